package reconcile

import (
	"time"

	"gorm.io/datatypes"
)

type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	OperationSync   Operation = "sync"
)

// Priority orders draining: lower runs first.
func (o Operation) Priority() int {
	switch o {
	case OperationCreate:
		return 0
	case OperationUpdate:
		return 1
	case OperationDelete:
		return 2
	default:
		return 3
	}
}

func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete, OperationSync:
		return true
	}
	return false
}

type EntryStatus string

const (
	StatusQueued     EntryStatus = "queued"
	StatusInFlight   EntryStatus = "in_flight"
	StatusDead       EntryStatus = "dead"
	StatusConflicted EntryStatus = "conflicted"
)

// SyncQueueEntry is a local mutation not yet confirmed by the remote store.
type SyncQueueEntry struct {
	ID          string         `gorm:"column:id;primaryKey" json:"id"`
	EntityType  string         `gorm:"column:entity_type;index:idx_sync_queue_entity" json:"entity_type"`
	EntityID    string         `gorm:"column:entity_id;index:idx_sync_queue_entity" json:"entity_id"`
	Operation   Operation      `gorm:"column:operation" json:"operation"`
	Priority    int            `gorm:"column:priority;index:idx_sync_queue_due,priority:2" json:"priority"`
	Payload     datatypes.JSON `gorm:"column:payload" json:"payload,omitempty"`
	RetryCount  int            `gorm:"column:retry_count" json:"retry_count"`
	MaxRetries  int            `gorm:"column:max_retries" json:"max_retries"`
	Status      EntryStatus    `gorm:"column:status;index:idx_sync_queue_due,priority:1" json:"status"`
	LastError   string         `gorm:"column:last_error" json:"last_error,omitempty"`
	ScheduledAt time.Time      `gorm:"column:scheduled_at" json:"scheduled_at"`
	CreatedAt   time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

func (SyncQueueEntry) TableName() string {
	return "sync_queue"
}

// Conflict is a queued mutation the remote store rejected on content. It is
// parked for the caller instead of retried.
type Conflict struct {
	EntryID    string `json:"entry_id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Reason     string `json:"reason"`
	Local      any    `json:"local,omitempty"`
	Remote     any    `json:"remote,omitempty"`
}

// SyncResult summarises one drain.
type SyncResult struct {
	Synced    int        `json:"synced"`
	Failed    int        `json:"failed"`
	Dead      int        `json:"dead"`
	Skipped   int        `json:"skipped"`
	Conflicts []Conflict `json:"conflicts"`
}
