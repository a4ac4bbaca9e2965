package dto

// PollerControlInput carries a poller control request.
type PollerControlInput struct {
	Body PollerControlRequest
}

// PollerControlRequest selects the control action to perform.
type PollerControlRequest struct {
	Action string `json:"action" required:"true" enum:"start,stop,restart" doc:"Control action to perform"`
}
