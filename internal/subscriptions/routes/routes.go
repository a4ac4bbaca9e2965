package routes

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"wanderer-kills/internal/subscriptions/dto"
	"wanderer-kills/internal/subscriptions/services"
)

// RegisterSubscriptionRoutes registers the subscription lifecycle endpoints
// under basePath.
func RegisterSubscriptionRoutes(api huma.API, basePath string, manager *services.Manager) {
	huma.Register(api, huma.Operation{
		OperationID:   "createSubscription",
		Method:        http.MethodPost,
		Path:          basePath,
		Summary:       "Create a subscription",
		Description:   "Registers interest in killmail activity by solar system and/or character. Recent kills for the watched systems are preloaded and delivered to the callback URL.",
		Tags:          []string{"Subscriptions"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *dto.CreateSubscriptionInput) (*dto.CreateSubscriptionOutput, error) {
		sub, err := manager.Subscribe(ctx, input.Body)
		if err != nil {
			var verr *services.ValidationError
			if errors.As(err, &verr) {
				return nil, huma.Error400BadRequest(verr.Error())
			}
			return nil, huma.Error500InternalServerError("Failed to create subscription", err)
		}

		return &dto.CreateSubscriptionOutput{
			Body: dto.CreateSubscriptionResponse{
				SubscriptionID: sub.SubID,
				Message: fmt.Sprintf("Subscribed to %d systems and %d characters",
					len(sub.SystemIDs), len(sub.CharacterIDs)),
			},
		}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "listSubscriptions",
		Method:        http.MethodGet,
		Path:          basePath,
		Summary:       "List subscriptions",
		Description:   "Lists all active subscriptions, oldest first.",
		Tags:          []string{"Subscriptions"},
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *struct{}) (*dto.ListSubscriptionsOutput, error) {
		subs := manager.List()
		return &dto.ListSubscriptionsOutput{
			Body: dto.ListSubscriptionsResponse{
				Subscriptions: subs,
				Count:         len(subs),
			},
		}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "getSubscriptionStats",
		Method:        http.MethodGet,
		Path:          basePath + "/stats",
		Summary:       "Get subscription stats",
		Description:   "Reports index sizes and delivery counters.",
		Tags:          []string{"Subscriptions"},
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *struct{}) (*dto.SubscriptionStatsOutput, error) {
		return &dto.SubscriptionStatsOutput{Body: manager.Stats()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "deleteSubscription",
		Method:        http.MethodDelete,
		Path:          basePath + "/{subscriber_id}",
		Summary:       "Delete subscriptions",
		Description:   "Removes a subscription by its id, or every subscription owned by the given subscriber id. Removing an unknown key succeeds with a zero count.",
		Tags:          []string{"Subscriptions"},
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *dto.DeleteSubscriptionInput) (*dto.DeleteSubscriptionOutput, error) {
		removed := manager.Unsubscribe(ctx, input.SubscriberID)
		return &dto.DeleteSubscriptionOutput{
			Body: dto.DeleteSubscriptionResponse{
				Removed: removed,
				Message: fmt.Sprintf("Removed %d subscription(s)", removed),
			},
		}, nil
	})
}
