package domain

import (
	"time"

	"github.com/google/uuid"
)

// OpType enumerates the offline-queue operation kinds.
type OpType string

const (
	OpCreate      OpType = "create"
	OpUpdate      OpType = "update"
	OpDelete      OpType = "delete"
	OpBulkCreate  OpType = "bulk_create"
	OpBulkUpdate  OpType = "bulk_update"
	OpBulkDelete  OpType = "bulk_delete"
)

// QueueStatus is a queued operation's lifecycle state.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueInProgress QueueStatus = "in_progress"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
	QueueConflict   QueueStatus = "conflict"
)

// DefaultMaxRetries is the default retry budget for a queued operation.
const DefaultMaxRetries = 3

// DefaultQueueGCDays is how long completed/failed rows survive before cleanup.
const DefaultQueueGCDays = 7

// QueuedOperation is a durable, ordered write the offline queue replays
// against the panel once it becomes reachable again.
type QueuedOperation struct {
	ID           uuid.UUID   `json:"id"`
	OpType       OpType      `json:"op_type"`
	ResourceType string      `json:"resource_type"`
	ResourceID   *string     `json:"resource_id,omitempty"`
	Data         []byte      `json:"data"`
	CreatedAt    time.Time   `json:"created_at"`
	RetryCount   int         `json:"retry_count"`
	MaxRetries   int         `json:"max_retries"`
	Status       QueueStatus `json:"status"`
	ErrorMessage *string     `json:"error_message,omitempty"`
}

// NewQueuedOperation builds a pending operation with a fresh UUID and the
// default retry budget.
func NewQueuedOperation(opType OpType, resourceType string, data []byte, resourceID *string) QueuedOperation {
	return QueuedOperation{
		ID:           uuid.New(),
		OpType:       opType,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Data:         data,
		CreatedAt:    time.Now(),
		MaxRetries:   DefaultMaxRetries,
		Status:       QueuePending,
	}
}

// Terminal reports whether the operation has reached a state the sync loop
// will no longer touch.
func (q QueuedOperation) Terminal() bool {
	return q.Status == QueueCompleted || q.Status == QueueFailed
}
