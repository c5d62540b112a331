package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBankSyncAll syncs every connected bank connection.
	TaskBankSyncAll = "bank:sync_all"
	// TaskBankSyncConnection syncs a single bank connection.
	TaskBankSyncConnection = "bank:sync_connection"
	// TaskBankSuggestBatch scores transactions still in status new.
	TaskBankSuggestBatch = "bank:suggest_batch"

	// suggestUniqueTTL collapses bursts of dispatches into one pending batch.
	suggestUniqueTTL = time.Minute
	// suggestFollowUpID names the single deferred batch queued behind a
	// running one.
	suggestFollowUpID = "bank:suggest_batch:follow-up"
)

// SyncConnectionPayload identifies the connection to sync.
type SyncConnectionPayload struct {
	ConnectionID string `json:"connection_id"`
}

// SuggestBatchPayload bounds a suggestion batch.
type SuggestBatchPayload struct {
	Limit int `json:"limit"`
}

// NewBankSyncAllTask builds the scheduled sync-all task.
func NewBankSyncAllTask() *asynq.Task {
	return asynq.NewTask(TaskBankSyncAll, []byte(`{}`), asynq.Queue(QueueDefault))
}

// NewBankSyncConnectionTask builds a task syncing one connection.
func NewBankSyncConnectionTask(connectionID uuid.UUID) (*asynq.Task, error) {
	body, err := json.Marshal(SyncConnectionPayload{ConnectionID: connectionID.String()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBankSyncConnection, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

// NewSuggestBatchTask builds a suggestion batch task.
func NewSuggestBatchTask(limit int) (*asynq.Task, error) {
	body, err := json.Marshal(SuggestBatchPayload{Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBankSuggestBatch, body,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(2),
		asynq.Unique(suggestUniqueTTL),
	), nil
}
