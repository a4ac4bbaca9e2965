package esi

import "encoding/json"

// Killmail is an upstream killmail document. Sources disagree on key names
// (killID vs killmail_id, system_id vs solar_system_id, kill_time vs
// killmail_time), so decoding accepts the aliases and normalizes onto the
// canonical fields. Decoding already-canonical JSON is a no-op.
type Killmail struct {
	KillmailID    int64      `json:"killmail_id"`
	KillmailTime  string     `json:"killmail_time,omitempty"`
	SolarSystemID int        `json:"solar_system_id"`
	MoonID        *int64     `json:"moon_id,omitempty"`
	WarID         *int64     `json:"war_id,omitempty"`
	Victim        *Victim    `json:"victim,omitempty"`
	Attackers     []Attacker `json:"attackers,omitempty"`
}

func (k *Killmail) UnmarshalJSON(data []byte) error {
	type alias Killmail
	aux := struct {
		*alias
		KillID   int64  `json:"killID"`
		SystemID int    `json:"system_id"`
		KillTime string `json:"kill_time"`
	}{alias: (*alias)(k)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if k.KillmailID == 0 {
		k.KillmailID = aux.KillID
	}
	if k.SolarSystemID == 0 {
		k.SolarSystemID = aux.SystemID
	}
	if k.KillmailTime == "" {
		k.KillmailTime = aux.KillTime
	}
	return nil
}

// Victim is the victim block of a killmail.
type Victim struct {
	CharacterID   *int64    `json:"character_id,omitempty"`
	CorporationID *int64    `json:"corporation_id,omitempty"`
	AllianceID    *int64    `json:"alliance_id,omitempty"`
	FactionID     *int64    `json:"faction_id,omitempty"`
	ShipTypeID    int64     `json:"ship_type_id"`
	DamageTaken   int64     `json:"damage_taken"`
	Position      *Position `json:"position,omitempty"`
}

// Attacker is one attacker block of a killmail.
type Attacker struct {
	CharacterID    *int64  `json:"character_id,omitempty"`
	CorporationID  *int64  `json:"corporation_id,omitempty"`
	AllianceID     *int64  `json:"alliance_id,omitempty"`
	FactionID      *int64  `json:"faction_id,omitempty"`
	ShipTypeID     *int64  `json:"ship_type_id,omitempty"`
	WeaponTypeID   *int64  `json:"weapon_type_id,omitempty"`
	DamageDone     int64   `json:"damage_done"`
	FinalBlow      bool    `json:"final_blow"`
	SecurityStatus float64 `json:"security_status,omitempty"`
}

// Position represents 3D coordinates in space.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Character is the name-bearing character record used for enrichment.
type Character struct {
	CharacterID    int64   `json:"character_id"`
	Name           string  `json:"name"`
	CorporationID  int64   `json:"corporation_id,omitempty"`
	AllianceID     int64   `json:"alliance_id,omitempty"`
	SecurityStatus float64 `json:"security_status,omitempty"`
}

// Corporation is the name-bearing corporation record used for enrichment.
type Corporation struct {
	CorporationID int64  `json:"corporation_id"`
	Name          string `json:"name"`
	Ticker        string `json:"ticker,omitempty"`
	AllianceID    int64  `json:"alliance_id,omitempty"`
	MemberCount   int    `json:"member_count,omitempty"`
}

// Alliance is the name-bearing alliance record used for enrichment.
type Alliance struct {
	AllianceID int64  `json:"alliance_id"`
	Name       string `json:"name"`
	Ticker     string `json:"ticker,omitempty"`
}

// ShipType is the name-bearing ship type record used for enrichment.
type ShipType struct {
	TypeID  int64  `json:"type_id"`
	Name    string `json:"name"`
	GroupID int64  `json:"group_id,omitempty"`
}
