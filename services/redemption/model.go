package redemption

import (
	"time"
)

// EntityType names redemption transactions in the sync queue.
const EntityType = "redemption_transaction"

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// IsFinal reports whether no further transition is allowed.
func (s Status) IsFinal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	return s == StatusPending || s.IsFinal()
}

// Spendable statuses count against the balance.
var SpendableStatuses = []Status{StatusPending, StatusCompleted}

type SyncStatus string

const (
	SyncPending    SyncStatus = "pending"
	SyncSynced     SyncStatus = "synced"
	SyncConflicted SyncStatus = "conflicted"
)

type RedemptionTransaction struct {
	ID                 string     `gorm:"column:id;primaryKey" json:"id"`
	UserID             string     `gorm:"column:user_id;index:idx_redemption_user_status,priority:1" json:"user_id"`
	FamilyID           string     `gorm:"column:family_id;index" json:"family_id"`
	OptionID           string     `gorm:"column:option_id" json:"option_id"`
	PointsUsed         int64      `gorm:"column:points_used" json:"points_used"`
	Status             Status     `gorm:"column:status;index:idx_redemption_user_status,priority:2" json:"status"`
	Notes              string     `gorm:"column:notes" json:"notes,omitempty"`
	CancellationReason string     `gorm:"column:cancellation_reason" json:"cancellation_reason,omitempty"`
	GeneratedForDate   *string    `gorm:"column:generated_for_date;index" json:"generated_for_date,omitempty"`
	Version            int64      `gorm:"column:version" json:"version"`
	SyncStatus         SyncStatus `gorm:"column:sync_status" json:"sync_status"`
	RedeemedAt         time.Time  `gorm:"column:redeemed_at" json:"redeemed_at"`
	CreatedAt          time.Time  `gorm:"column:created_at;index" json:"created_at"`
	UpdatedAt          *time.Time `gorm:"column:updated_at;autoUpdateTime:false" json:"updated_at,omitempty"`
	CompletedAt        *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CancelledAt        *time.Time `gorm:"column:cancelled_at" json:"cancelled_at,omitempty"`
}

func (RedemptionTransaction) TableName() string {
	return "redemption_transactions"
}

// EffectiveTime is the timestamp used to place an unpartitioned record on a day.
func (t *RedemptionTransaction) EffectiveTime() time.Time {
	if t.CompletedAt != nil && !t.CompletedAt.IsZero() {
		return *t.CompletedAt
	}
	return t.CreatedAt
}

type RedemptionOption struct {
	ID             string     `gorm:"column:id;primaryKey" json:"id"`
	FamilyID       string     `gorm:"column:family_id;index" json:"family_id"`
	Title          string     `gorm:"column:title" json:"title"`
	Description    string     `gorm:"column:description" json:"description,omitempty"`
	RequiredPoints int64      `gorm:"column:required_points" json:"required_points"`
	IsActive       bool       `gorm:"column:is_active" json:"is_active"`
	ExpiresAt      *time.Time `gorm:"column:expires_at" json:"expires_at,omitempty"`
	UpdatedAt      time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

func (RedemptionOption) TableName() string {
	return "redemption_options"
}

// Available reports whether the option can be redeemed at now.
func (o *RedemptionOption) Available(now time.Time) bool {
	if o == nil || !o.IsActive {
		return false
	}
	return o.ExpiresAt == nil || o.ExpiresAt.After(now)
}

type RedeemRequest struct {
	UserID         string `json:"user_id" binding:"required"`
	FamilyID       string `json:"family_id"`
	OptionID       string `json:"option_id" binding:"required"`
	PointsToRedeem int64  `json:"points" binding:"required"`
	Notes          string `json:"notes"`
}

type HistoryQuery struct {
	Page   int
	Limit  int
	Status Status
	From   *time.Time
	To     *time.Time
}
