package zkb

import (
	"encoding/json"

	"wanderer-kills/pkg/esi"
)

// Metadata is the zkb annotation block attached to killmails and references.
// Key names follow the upstream wire format.
type Metadata struct {
	LocationID     int64   `json:"locationID,omitempty"`
	Hash           string  `json:"hash"`
	FittedValue    float64 `json:"fittedValue,omitempty"`
	DroppedValue   float64 `json:"droppedValue,omitempty"`
	DestroyedValue float64 `json:"destroyedValue,omitempty"`
	TotalValue     float64 `json:"totalValue"`
	Points         int     `json:"points,omitempty"`
	NPC            bool    `json:"npc"`
	Solo           bool    `json:"solo,omitempty"`
	Awox           bool    `json:"awox,omitempty"`
}

// PackageKind classifies one unit from the long-poll stream.
type PackageKind int

const (
	PackageNone PackageKind = iota
	PackageNew
	PackageLegacy
	PackageUnexpected
)

func (k PackageKind) String() string {
	switch k {
	case PackageNone:
		return "none"
	case PackageNew:
		return "new_format"
	case PackageLegacy:
		return "legacy"
	default:
		return "unexpected_format"
	}
}

// Package is one unit from the long-poll stream. New-format packages carry the
// full killmail; legacy packages carry only the kill id and zkb metadata and
// need a secondary full-fetch.
type Package struct {
	KillID   int64         `json:"killID"`
	Killmail *esi.Killmail `json:"killmail,omitempty"`
	ZKB      *Metadata     `json:"zkb,omitempty"`
}

// Classify determines the package shape.
func (p *Package) Classify() PackageKind {
	switch {
	case p == nil:
		return PackageNone
	case p.Killmail != nil && p.ZKB != nil:
		return PackageNew
	case p.Killmail == nil && p.ZKB != nil && p.KillID > 0:
		return PackageLegacy
	default:
		return PackageUnexpected
	}
}

// KillRef is a killmail reference: id plus zkb metadata, no victim or
// attackers. Upstreams disagree on the id key (killmail_id vs killID), so
// decoding accepts both; encoding always emits killmail_id.
type KillRef struct {
	KillmailID int64
	ZKB        Metadata
}

func (r *KillRef) UnmarshalJSON(data []byte) error {
	var aux struct {
		KillmailID int64    `json:"killmail_id"`
		KillID     int64    `json:"killID"`
		ZKB        Metadata `json:"zkb"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.KillmailID = aux.KillmailID
	if r.KillmailID == 0 {
		r.KillmailID = aux.KillID
	}
	r.ZKB = aux.ZKB
	return nil
}

func (r KillRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		KillmailID int64    `json:"killmail_id"`
		ZKB        Metadata `json:"zkb"`
	}{r.KillmailID, r.ZKB})
}

// Kill is one row from the kill-by-id endpoint: killmail fields, which may be
// partial, plus zkb metadata.
type Kill struct {
	Killmail esi.Killmail
	ZKB      Metadata
}

func (k *Kill) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &k.Killmail); err != nil {
		return err
	}
	var aux struct {
		ZKB Metadata `json:"zkb"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	k.ZKB = aux.ZKB
	return nil
}
