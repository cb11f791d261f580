// Package dlq implements the request-control runtime's dead-letter queue
// (spec.md §4.4): accepts messages that downstream processing failed on,
// persists them, retries on a schedule, quarantines poison messages, and
// deduplicates by content.
package dlq

import "time"

// Status is a message's lifecycle state within a queue.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusPoison     Status = "poison"
	StatusExpired    Status = "expired"
)

// ErrorRecord is one entry in a message's error_history.
type ErrorRecord struct {
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Message is a single dead-lettered payload.
type Message struct {
	ID            string                 `json:"id"`
	OriginalQueue string                 `json:"original_queue"`
	Content       map[string]any         `json:"content"`
	Metadata      map[string]any         `json:"metadata"`
	Status        Status                 `json:"status"`
	RetryCount    int                    `json:"retry_count"`
	ErrorHistory  []ErrorRecord          `json:"error_history"`
	ContentHash   string                 `json:"content_hash"`
	CreatedAt     time.Time              `json:"created_at"`
	NextRetryAt   time.Time              `json:"next_retry_at"`
	ExpiredAt     time.Time              `json:"expired_at"`
	PoisonReason  string                 `json:"poison_reason,omitempty"`
}
