package models

import "time"

// Killmail is the canonical enriched event record. Upstream blobs are
// normalized into this shape exactly once, at the pipeline boundary;
// downstream code never sees raw upstream keys.
type Killmail struct {
	KillmailID int64         `json:"killmail_id"`
	KillTime   time.Time     `json:"kill_time"`
	SystemID   int           `json:"system_id"`
	Victim     Participant   `json:"victim"`
	Attackers  []Participant `json:"attackers"`
	ZKB        *ZKBMetadata  `json:"zkb,omitempty"`
	TotalValue float64       `json:"total_value"`
	NPC        bool          `json:"npc"`
	Enriched   bool          `json:"enriched"`
}

// Participant is one involved party, victim or attacker. Damage holds damage
// taken for the victim and damage done for attackers. Name fields stay nil
// when enrichment could not resolve them.
type Participant struct {
	CharacterID     *int64  `json:"character_id,omitempty"`
	CorporationID   *int64  `json:"corporation_id,omitempty"`
	AllianceID      *int64  `json:"alliance_id,omitempty"`
	ShipTypeID      *int64  `json:"ship_type_id,omitempty"`
	WeaponTypeID    *int64  `json:"weapon_type_id,omitempty"`
	Damage          int64   `json:"damage,omitempty"`
	FinalBlow       bool    `json:"final_blow,omitempty"`
	SecurityStatus  float64 `json:"security_status,omitempty"`
	CharacterName   *string `json:"character_name,omitempty"`
	CorporationName *string `json:"corporation_name,omitempty"`
	AllianceName    *string `json:"alliance_name,omitempty"`
	ShipName        *string `json:"ship_name,omitempty"`
}

// ZKBMetadata carries the zkb annotation block in canonical form.
type ZKBMetadata struct {
	LocationID  int64   `json:"location_id,omitempty"`
	Hash        string  `json:"hash"`
	FittedValue float64 `json:"fitted_value,omitempty"`
	TotalValue  float64 `json:"total_value"`
	Points      int     `json:"points,omitempty"`
	NPC         bool    `json:"npc"`
	Solo        bool    `json:"solo,omitempty"`
	Awox        bool    `json:"awox,omitempty"`
}

// Event is one entry of the append-only per-system log.
type Event struct {
	EventID  int64     `json:"event_id"`
	SystemID int       `json:"system_id"`
	Killmail *Killmail `json:"killmail"`
}

// CharacterIDs returns the unique character ids appearing in the killmail,
// victim first, then attackers in order.
func (k *Killmail) CharacterIDs() []int64 {
	seen := make(map[int64]struct{}, len(k.Attackers)+1)
	ids := make([]int64, 0, len(k.Attackers)+1)

	add := func(id *int64) {
		if id == nil || *id == 0 {
			return
		}
		if _, ok := seen[*id]; ok {
			return
		}
		seen[*id] = struct{}{}
		ids = append(ids, *id)
	}

	add(k.Victim.CharacterID)
	for i := range k.Attackers {
		add(k.Attackers[i].CharacterID)
	}
	return ids
}
