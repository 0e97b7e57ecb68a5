package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// EntityType names reward entries in the sync queue.
const EntityType = "reward_entry"

type EntryType string

const (
	EntryEarned   EntryType = "earned"
	EntryAdjusted EntryType = "adjusted"
	EntryBonus    EntryType = "bonus"
)

func (t EntryType) Valid() bool {
	switch t {
	case EntryEarned, EntryAdjusted, EntryBonus:
		return true
	}
	return false
}

// RewardEntry is a point-earning event. Points may be negative for adjustments.
type RewardEntry struct {
	ID               string     `gorm:"column:id;primaryKey" json:"id"`
	UserID           string     `gorm:"column:user_id;index" json:"user_id"`
	FamilyID         string     `gorm:"column:family_id" json:"family_id,omitempty"`
	Points           int64      `gorm:"column:points" json:"points"`
	Description      string     `gorm:"column:description" json:"description"`
	CategoryID       string     `gorm:"column:category_id" json:"category_id,omitempty"`
	Type             EntryType  `gorm:"column:type" json:"type"`
	GeneratedForDate *string    `gorm:"column:generated_for_date;index" json:"generated_for_date,omitempty"`
	IsSynced         bool       `gorm:"column:is_synced" json:"is_synced"`
	CreatedAt        time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        *time.Time `gorm:"column:updated_at;autoUpdateTime:false" json:"updated_at,omitempty"`
}

func (RewardEntry) TableName() string {
	return "reward_entries"
}

func (e *RewardEntry) HashFields() map[string]string {
	return map[string]string{
		"id":         e.ID,
		"user_id":    e.UserID,
		"points":     fmt.Sprintf("%d", e.Points),
		"type":       string(e.Type),
		"created_at": e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// ContentHash fingerprints the fields that may never change after sync.
func (e *RewardEntry) ContentHash() string {
	fields := e.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

type RewardEntryParams struct {
	UserID      string    `json:"user_id" binding:"required"`
	FamilyID    string    `json:"family_id"`
	Points      int64     `json:"points"`
	Description string    `json:"description"`
	CategoryID  string    `json:"category_id"`
	Type        EntryType `json:"type"`
	// OccurredAt places the entry on a day; zero means now.
	OccurredAt time.Time `json:"occurred_at"`
}
