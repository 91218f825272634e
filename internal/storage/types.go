package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Tier represents an account class with its own daily operation ceiling.
type Tier string

const (
	TierFree    Tier = "FREE"
	TierPremium Tier = "PREMIUM"
)

// UnmarshalJSON implements json.Unmarshaler to normalize tiers to uppercase.
func (t *Tier) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	normalized := Tier(strings.ToUpper(s))

	switch normalized {
	case TierFree, TierPremium:
		*t = normalized
		return nil
	default:
		return fmt.Errorf("invalid tier: %s (must be FREE or PREMIUM)", s)
	}
}

// MarshalJSON implements json.Marshaler to ensure uppercase output.
func (t Tier) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(t))
}

// Outcome classifies how an executed operation ended.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeInputError  Outcome = "input_error"
	OutcomeEngineError Outcome = "engine_error"
)

// OperationRecord is one entry in the append-only operation log.
type OperationRecord struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Kind        string    `json:"kind"`
	Timestamp   time.Time `json:"timestamp"`
	Outcome     Outcome   `json:"outcome"`
	Charged     bool      `json:"charged"`
	InputBytes  int64     `json:"input_bytes"`
	OutputBytes int64     `json:"output_bytes"`
	DurationMS  int64     `json:"duration_ms"`
	Detail      string    `json:"detail,omitempty"`
}

// Date returns the record's calendar day in the given location.
func (r OperationRecord) Date(loc *time.Location) string {
	return r.Timestamp.In(loc).Format("2006-01-02")
}

// UserRecord is a user account as the quota core sees it.
type UserRecord struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username,omitempty"`
	Tier       Tier      `json:"tier"`
	JoinedAt   time.Time `json:"joined_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// IsPremium reports whether the user is on the premium tier.
func (u *UserRecord) IsPremium() bool {
	return u.Tier == TierPremium
}
