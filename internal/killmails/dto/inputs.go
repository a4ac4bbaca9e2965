package dto

// GetKillmailInput represents the input for fetching a stored killmail
type GetKillmailInput struct {
	KillmailID int64 `path:"killmail_id" validate:"required" minimum:"1" doc:"EVE Online killmail ID"`
}

// GetSystemKillmailsInput represents the input for listing a system's recent killmails
type GetSystemKillmailsInput struct {
	SystemID   int `path:"system_id" validate:"required" minimum:"30000000" maximum:"33000000" doc:"EVE Online solar system ID"`
	SinceHours int `query:"since_hours" validate:"min:1,max:168" default:"24" doc:"How many hours back to include (1-168, default 24)"`
	Limit      int `query:"limit" validate:"min:1,max:200" default:"50" doc:"Maximum number of killmails to return (1-200, default 50)"`
}

// StreamFetchInput represents the input for a client's incremental event fetch
type StreamFetchInput struct {
	ClientID  string `query:"client_id" validate:"required" minLength:"1" maxLength:"128" doc:"Stable client identifier; per-system offsets are tracked against it"`
	SystemIDs string `query:"system_ids" validate:"required" doc:"Comma-separated solar system IDs to fetch events for"`
}

// GetOffsetsInput represents the input for reading a client's stream offsets
type GetOffsetsInput struct {
	ClientID string `path:"client_id" validate:"required" minLength:"1" maxLength:"128" doc:"Stable client identifier"`
}
