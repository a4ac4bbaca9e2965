package dto

import (
	"time"

	"wanderer-kills/internal/killmails/models"
)

// KillmailResponse represents a canonical enriched killmail
type KillmailResponse struct {
	KillmailID int64     `json:"killmail_id" doc:"Unique killmail identifier"`
	KillTime   time.Time `json:"kill_time" doc:"Time when the kill occurred"`
	SystemID   int       `json:"system_id" doc:"Solar system where the kill occurred"`

	Victim    ParticipantResponse   `json:"victim" doc:"Victim information"`
	Attackers []ParticipantResponse `json:"attackers" doc:"List of attackers involved"`

	ZKB        *ZKBResponse `json:"zkb,omitempty" doc:"Killboard metadata when the kill came through the stream"`
	TotalValue float64      `json:"total_value" doc:"ISK value of the loss (0 when unknown)"`
	NPC        bool         `json:"npc" doc:"Whether the kill was done by NPCs only"`
	Enriched   bool         `json:"enriched" doc:"Whether participant names were resolved"`
}

// ParticipantResponse represents one party on a killmail, names included when
// enrichment resolved them
type ParticipantResponse struct {
	CharacterID    *int64  `json:"character_id,omitempty" doc:"Character ID (if applicable)"`
	CorporationID  *int64  `json:"corporation_id,omitempty" doc:"Corporation ID (if applicable)"`
	AllianceID     *int64  `json:"alliance_id,omitempty" doc:"Alliance ID (if applicable)"`
	ShipTypeID     *int64  `json:"ship_type_id,omitempty" doc:"Ship type ID (if applicable)"`
	WeaponTypeID   *int64  `json:"weapon_type_id,omitempty" doc:"Weapon type ID (attackers only)"`
	Damage         int64   `json:"damage" doc:"Damage taken for the victim, damage done for attackers"`
	FinalBlow      bool    `json:"final_blow,omitempty" doc:"Whether this attacker achieved the final blow"`
	SecurityStatus float64 `json:"security_status,omitempty" doc:"Security status of the participant"`

	CharacterName   *string `json:"character_name,omitempty" doc:"Resolved character name"`
	CorporationName *string `json:"corporation_name,omitempty" doc:"Resolved corporation name"`
	AllianceName    *string `json:"alliance_name,omitempty" doc:"Resolved alliance name"`
	ShipName        *string `json:"ship_name,omitempty" doc:"Resolved ship type name"`
}

// ZKBResponse represents killboard metadata attached to a killmail
type ZKBResponse struct {
	LocationID  int64   `json:"location_id,omitempty" doc:"Location ID of the kill"`
	Hash        string  `json:"hash" doc:"Killmail hash"`
	FittedValue float64 `json:"fitted_value,omitempty" doc:"ISK value of the fitted modules"`
	TotalValue  float64 `json:"total_value" doc:"Total ISK value of the loss"`
	Points      int     `json:"points,omitempty" doc:"Killboard points"`
	NPC         bool    `json:"npc" doc:"Whether the kill was done by NPCs only"`
	Solo        bool    `json:"solo" doc:"Whether the kill was solo"`
	Awox        bool    `json:"awox" doc:"Whether the kill was friendly fire"`
}

// EventResponse represents one ordered store event
type EventResponse struct {
	EventID  int64            `json:"event_id" doc:"Monotonic event ID within the store"`
	SystemID int              `json:"system_id" doc:"Solar system the event belongs to"`
	Killmail KillmailResponse `json:"killmail" doc:"The killmail carried by this event"`
}

// SystemKillmailsResponse represents a system's recent killmails
type SystemKillmailsResponse struct {
	SystemID  int                `json:"system_id" doc:"Solar system ID"`
	Killmails []KillmailResponse `json:"killmails" doc:"Killmails, newest first"`
	Count     int                `json:"count" doc:"Number of killmails returned"`
}

// KillCountsResponse represents the per-system kill counter snapshot
type KillCountsResponse struct {
	Counts map[int]int64 `json:"counts" doc:"Kills ingested per solar system since start"`
	Total  int64         `json:"total" doc:"Sum over all systems"`
}

// StreamFetchResponse represents events returned to a client past its offsets
type StreamFetchResponse struct {
	ClientID string          `json:"client_id" doc:"Client the offsets were advanced for"`
	Events   []EventResponse `json:"events" doc:"Unconsumed events in ascending event order"`
	Count    int             `json:"count" doc:"Number of events returned"`
}

// OffsetsResponse represents a client's per-system stream offsets
type OffsetsResponse struct {
	ClientID string        `json:"client_id" doc:"Client identifier"`
	Offsets  map[int]int64 `json:"offsets" doc:"Highest consumed event ID per solar system"`
}

// StoreStatsResponse represents store counters
type StoreStatsResponse struct {
	Killmails   int   `json:"killmails" doc:"Distinct killmails stored"`
	Events      int   `json:"events" doc:"Events retained in the log"`
	Systems     int   `json:"systems" doc:"Systems with at least one event"`
	Clients     int   `json:"clients" doc:"Clients with tracked offsets"`
	LastEventID int64 `json:"last_event_id" doc:"Most recently assigned event ID"`
}

// ModuleStatusResponse represents the health status of the killmails module
type ModuleStatusResponse struct {
	Module  string `json:"module" doc:"Module name"`
	Status  string `json:"status" doc:"Module status (healthy/unhealthy)"`
	Message string `json:"message,omitempty" doc:"Additional status message"`
}

// Huma v2 output wrappers

type StatusOutput struct {
	Body ModuleStatusResponse
}

type KillmailOutput struct {
	Body KillmailResponse
}

type SystemKillmailsOutput struct {
	Body SystemKillmailsResponse
}

type KillCountsOutput struct {
	Body KillCountsResponse
}

type StreamFetchOutput struct {
	Body StreamFetchResponse
}

type OffsetsOutput struct {
	Body OffsetsResponse
}

type StoreStatsOutput struct {
	Body StoreStatsResponse
}

// ConvertKillmailToResponse converts a killmail model to its response DTO
func ConvertKillmailToResponse(killmail *models.Killmail) KillmailResponse {
	response := KillmailResponse{
		KillmailID: killmail.KillmailID,
		KillTime:   killmail.KillTime,
		SystemID:   killmail.SystemID,
		Victim:     ConvertParticipantToResponse(killmail.Victim),
		Attackers:  make([]ParticipantResponse, 0, len(killmail.Attackers)),
		TotalValue: killmail.TotalValue,
		NPC:        killmail.NPC,
		Enriched:   killmail.Enriched,
	}

	for _, attacker := range killmail.Attackers {
		response.Attackers = append(response.Attackers, ConvertParticipantToResponse(attacker))
	}

	if killmail.ZKB != nil {
		response.ZKB = &ZKBResponse{
			LocationID:  killmail.ZKB.LocationID,
			Hash:        killmail.ZKB.Hash,
			FittedValue: killmail.ZKB.FittedValue,
			TotalValue:  killmail.ZKB.TotalValue,
			Points:      killmail.ZKB.Points,
			NPC:         killmail.ZKB.NPC,
			Solo:        killmail.ZKB.Solo,
			Awox:        killmail.ZKB.Awox,
		}
	}

	return response
}

// ConvertParticipantToResponse converts a participant model to its response DTO
func ConvertParticipantToResponse(part models.Participant) ParticipantResponse {
	return ParticipantResponse{
		CharacterID:     part.CharacterID,
		CorporationID:   part.CorporationID,
		AllianceID:      part.AllianceID,
		ShipTypeID:      part.ShipTypeID,
		WeaponTypeID:    part.WeaponTypeID,
		Damage:          part.Damage,
		FinalBlow:       part.FinalBlow,
		SecurityStatus:  part.SecurityStatus,
		CharacterName:   part.CharacterName,
		CorporationName: part.CorporationName,
		AllianceName:    part.AllianceName,
		ShipName:        part.ShipName,
	}
}

// ConvertEventsToResponse converts store events to response DTOs
func ConvertEventsToResponse(events []*models.Event) []EventResponse {
	responses := make([]EventResponse, 0, len(events))
	for _, event := range events {
		responses = append(responses, EventResponse{
			EventID:  event.EventID,
			SystemID: event.SystemID,
			Killmail: ConvertKillmailToResponse(event.Killmail),
		})
	}
	return responses
}

// ConvertKillmailsToResponse converts killmail models to response DTOs
func ConvertKillmailsToResponse(killmails []*models.Killmail) []KillmailResponse {
	responses := make([]KillmailResponse, 0, len(killmails))
	for _, killmail := range killmails {
		responses = append(responses, ConvertKillmailToResponse(killmail))
	}
	return responses
}
