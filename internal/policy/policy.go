// Package policy holds the versioned decision policy: tier thresholds,
// detector weights, velocity rules and hard blocklists.
//
// A policy version is immutable once minted. The engine swaps an atomic
// pointer to the active version, so every decision reads exactly one version
// for its whole lifetime and reloads never tear a decision in half.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sentrapay/fraud-engine/internal/event"
	"github.com/sentrapay/fraud-engine/internal/features"
)

// Errors
var (
	ErrVersionNotFound = errors.New("policy: version not found")
	ErrReloadInFlight  = errors.New("policy: reload already in flight")
	ErrNoActive        = errors.New("policy: no active version")
)

// Decision tiers, ordered from most to least customer friendly.
const (
	TierAllow    = "ALLOW"
	TierFriction = "FRICTION"
	TierReview   = "REVIEW"
	TierBlock    = "BLOCK"
)

// Version statuses.
const (
	StatusActive     = "active"
	StatusSuperseded = "superseded"
	StatusRejected   = "rejected"
)

var tierRank = map[string]int{
	TierAllow:    0,
	TierFriction: 1,
	TierReview:   2,
	TierBlock:    3,
}

// ValidTier reports whether t is a known decision tier.
func ValidTier(t string) bool {
	_, ok := tierRank[t]
	return ok
}

// MaxTier returns the stricter of two tiers.
func MaxTier(a, b string) string {
	if tierRank[b] > tierRank[a] {
		return b
	}
	return a
}

// CapTier returns tier bounded above by limit.
func CapTier(tier, limit string) string {
	if tierRank[tier] > tierRank[limit] {
		return limit
	}
	return tier
}

// Thresholds are the score cut points between tiers. Scores below Friction
// are allowed; at or above Block they are blocked.
type Thresholds struct {
	Friction float64 `json:"friction"`
	Review   float64 `json:"review"`
	Block    float64 `json:"block"`
}

// DefaultThresholds is the shipped tier mapping.
var DefaultThresholds = Thresholds{Friction: 0.40, Review: 0.70, Block: 0.85}

// VelocityRule is a categorical floor: when the named entity exceeds
// MaxAttempts inside Window, the decision is at least Tier regardless of the
// composite score.
type VelocityRule struct {
	Entity      string `json:"entity"`       // card, device, ip, account
	Window      string `json:"window"`       // 1m, 10m, 1h, 24h
	MaxAttempts int    `json:"max_attempts"` // exclusive threshold
	Tier        string `json:"tier"`
}

// Blocklists are hard denial lists checked before any scoring.
type Blocklists struct {
	Cards   []string `json:"cards,omitempty"`
	Devices []string `json:"devices,omitempty"`
	Phones  []string `json:"phones,omitempty"`
	IMEIs   []string `json:"imeis,omitempty"`
}

// Document is the operator-editable policy content, as loaded from the
// policy file or the reload API body. Everything else on a Version is minted
// by the engine.
type Document struct {
	Thresholds    Thresholds         `json:"thresholds"`
	Weights       map[string]float64 `json:"weights,omitempty"`
	VelocityRules []VelocityRule     `json:"velocity_rules,omitempty"`
	Blocklists    Blocklists         `json:"blocklists,omitempty"`
}

// DefaultDocument is the policy used when no file is configured.
func DefaultDocument() Document {
	return Document{Thresholds: DefaultThresholds}
}

var validWindows = map[string]bool{"1m": true, "10m": true, "1h": true, "24h": true}
var validEntities = map[string]bool{"card": true, "device": true, "ip": true, "account": true}

// Validate checks the document before it can become a version. A document
// that fails validation never becomes active.
func (d Document) Validate() error {
	t := d.Thresholds
	for name, v := range map[string]float64{"friction": t.Friction, "review": t.Review, "block": t.Block} {
		if v <= 0 || v >= 1 {
			return fmt.Errorf("policy: threshold %s = %v, must be in (0, 1)", name, v)
		}
	}
	if !(t.Friction < t.Review && t.Review < t.Block) {
		return fmt.Errorf("policy: thresholds must satisfy friction < review < block, got %v < %v < %v",
			t.Friction, t.Review, t.Block)
	}
	for name, w := range d.Weights {
		if w <= 0 {
			return fmt.Errorf("policy: weight for %q = %v, must be positive", name, w)
		}
	}
	for i, r := range d.VelocityRules {
		if !validEntities[r.Entity] {
			return fmt.Errorf("policy: velocity_rules[%d]: unknown entity %q", i, r.Entity)
		}
		if !validWindows[r.Window] {
			return fmt.Errorf("policy: velocity_rules[%d]: unknown window %q", i, r.Window)
		}
		if r.MaxAttempts <= 0 {
			return fmt.Errorf("policy: velocity_rules[%d]: max_attempts must be positive", i)
		}
		if !ValidTier(r.Tier) {
			return fmt.Errorf("policy: velocity_rules[%d]: unknown tier %q", i, r.Tier)
		}
	}
	return nil
}

// Hash returns the sha256 of the canonical JSON encoding of the document.
// Two versions with equal content hash identically, which makes rollbacks
// auditable.
func (d Document) Hash() string {
	b, _ := json.Marshal(d)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Version is one immutable, identified policy snapshot.
type Version struct {
	ID        string    `json:"id"`
	Hash      string    `json:"hash"`
	Document  Document  `json:"document"`
	CreatedAt time.Time `json:"created_at"`
	Status    string    `json:"status"`
	// Source records where the content came from: "default", "file:<path>",
	// "api", or "rollback:<version id>".
	Source string `json:"source"`

	blocked blockIndex
}

type blockIndex struct {
	cards   map[string]bool
	devices map[string]bool
	phones  map[string]bool
	imeis   map[string]bool
}

func indexList(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

func (v *Version) index() {
	bl := v.Document.Blocklists
	v.blocked = blockIndex{
		cards:   indexList(bl.Cards),
		devices: indexList(bl.Devices),
		phones:  indexList(bl.Phones),
		imeis:   indexList(bl.IMEIs),
	}
}

// TierFor maps a composite score onto a decision tier.
func (v *Version) TierFor(score float64) string {
	t := v.Document.Thresholds
	switch {
	case score >= t.Block:
		return TierBlock
	case score >= t.Review:
		return TierReview
	case score >= t.Friction:
		return TierFriction
	default:
		return TierAllow
	}
}

// Override checks the hard denial rules that bypass scoring entirely. It
// returns the forced tier and a machine-readable reason. These fire even when
// every detector is down, which is the point of keeping them score-free.
func (v *Version) Override(ev *event.TransactionEvent) (tier, reason string, ok bool) {
	switch {
	case ev.CardToken != "" && v.blocked.cards[ev.CardToken]:
		return TierBlock, "blocklist_card", true
	case ev.DeviceID != "" && v.blocked.devices[ev.DeviceID]:
		return TierBlock, "blocklist_device", true
	case ev.Phone != "" && v.blocked.phones[ev.Phone]:
		return TierBlock, "blocklist_phone", true
	case ev.IMEI != "" && v.blocked.imeis[ev.IMEI]:
		return TierBlock, "blocklist_imei", true
	case ev.Flags.Emulator:
		return TierBlock, "emulator", true
	case ev.Flags.TorExit:
		return TierBlock, "tor_exit", true
	}
	return "", "", false
}

// VelocityFloor evaluates the version's velocity rules against live feature
// counts and returns the strictest tier any rule demands. Rules are skipped
// on a degraded snapshot; stale counts must not escalate anyone.
func (v *Version) VelocityFloor(snap *features.Snapshot) (tier, reason string, ok bool) {
	if snap == nil || snap.Degraded {
		return "", "", false
	}
	for _, r := range v.Document.VelocityRules {
		var stats features.EntityStats
		switch r.Entity {
		case "card":
			stats = snap.Card
		case "device":
			stats = snap.Device
		case "ip":
			stats = snap.IP
		case "account":
			stats = snap.Account
		}
		var attempts int
		switch r.Window {
		case "1m":
			attempts = stats.Attempts.OneMin
		case "10m":
			attempts = stats.Attempts.TenMin
		case "1h":
			attempts = stats.Attempts.OneHour
		case "24h":
			attempts = stats.Attempts.Day
		}
		if attempts > r.MaxAttempts {
			if !ok || tierRank[r.Tier] > tierRank[tier] {
				tier = r.Tier
				reason = fmt.Sprintf("velocity_%s_%s", r.Entity, r.Window)
				ok = true
			}
		}
	}
	return tier, reason, ok
}

// Weights exposes the detector weight overrides of this version.
func (v *Version) Weights() map[string]float64 {
	return v.Document.Weights
}
