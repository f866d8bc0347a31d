// Package types holds the wire and storage value types shared across the
// queue store, API client, sync engine, and heartbeat pipeline.
package types

import (
	"encoding/json"
	"time"
)

// EntityType classifies what a Heartbeat's Entity refers to.
type EntityType string

const (
	EntityFile   EntityType = "file"
	EntityDomain EntityType = "domain"
	EntityURL    EntityType = "url"
	EntityApp    EntityType = "app"
)

// Heartbeat is an immutable record of one observed edit moment.
type Heartbeat struct {
	ID         string     `json:"id"`
	Entity     string     `json:"entity"`
	EntityType EntityType `json:"type"`
	Time       float64    `json:"time"`

	Project           string   `json:"project,omitempty"`
	AlternateProject  string   `json:"alternate_project,omitempty"`
	Branch            string   `json:"branch,omitempty"`
	Language          string   `json:"language,omitempty"`
	AlternateLanguage string   `json:"alternate_language,omitempty"`
	Category          string   `json:"category,omitempty"`
	IsWrite           bool     `json:"is_write,omitempty"`
	Lines             *int64   `json:"lines,omitempty"`
	LineNo            *int64   `json:"lineno,omitempty"`
	CursorPos         *int64   `json:"cursorpos,omitempty"`
	Machine           string   `json:"machine,omitempty"`
	UserAgent         string   `json:"user_agent,omitempty"`
	Editor            string   `json:"editor,omitempty"`
	OperatingSystem   string   `json:"operating_system,omitempty"`
	CommitHash        string   `json:"commit_hash,omitempty"`
	CommitAuthor      string   `json:"commit_author,omitempty"`
	CommitMessage     string   `json:"commit_message,omitempty"`
	RepositoryURL     string   `json:"repository_url,omitempty"`
	Dependencies      []string `json:"dependencies,omitempty"`
}

// TimeRounded returns Time rounded to the nearest second, used as part of
// the deduplication key.
func (h Heartbeat) TimeRounded() int64 {
	return int64(h.Time + 0.5)
}

// SyncStatus is the lifecycle state of a QueueEntry.
type SyncStatus string

const (
	StatusPending          SyncStatus = "pending"
	StatusSyncing          SyncStatus = "syncing"
	StatusSynced           SyncStatus = "synced"
	StatusFailed           SyncStatus = "failed"
	StatusPermanentFailure SyncStatus = "permanent_failure"
)

// QueueEntry is the durable envelope wrapping a Heartbeat with sync state.
type QueueEntry struct {
	Heartbeat    Heartbeat
	SyncStatus   SyncStatus
	RetryCount   uint32
	CreatedAt    time.Time
	LastAttempt  *time.Time
	SyncMetadata string
}

// SyncStats is the aggregate count of queue entries by status.
type SyncStats struct {
	Pending          int64 `json:"pending"`
	Syncing          int64 `json:"syncing"`
	Synced           int64 `json:"synced"`
	Failed           int64 `json:"failed"`
	PermanentFailure int64 `json:"permanent_failure"`
	Total            int64 `json:"total"`
}

// EntryOutcome classifies how the remote service handled one submitted
// heartbeat within a batch response.
type EntryOutcome string

const (
	OutcomeAccepted          EntryOutcome = "accepted"
	OutcomeRejectedPermanent EntryOutcome = "rejected_permanent"
	OutcomeRejectedRetryable EntryOutcome = "rejected_retryable"
)

// EntryResult is the per-id verdict from a batch submission.
type EntryResult struct {
	ID      string
	Outcome EntryOutcome
	Reason  string
}

// BatchResult is the outcome of SendHeartbeatsBatch, one entry per
// submitted heartbeat id.
type BatchResult struct {
	Results []EntryResult
}

// StatusUpdate describes one atomic status transition applied by
// UpdateSyncStatusBatch.
type StatusUpdate struct {
	ID       string
	Status   SyncStatus
	Metadata string
}

// wireHeartbeat mirrors Heartbeat's JSON shape explicitly so callers that
// need to round-trip raw wire bytes (e.g. --extra-heartbeats stdin input)
// can unmarshal into the same tags without re-deriving them.
type wireHeartbeat Heartbeat

// MarshalJSON ensures entity_type is always emitted even for the zero
// value, since the wire protocol renames entity_type to type and expects
// it present on every heartbeat.
func (h Heartbeat) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireHeartbeat(h))
}

// UnmarshalJSON is the mirror of MarshalJSON, kept explicit (rather than
// relying on default struct-tag unmarshaling) so future wire-shape
// changes only need to touch wireHeartbeat.
func (h *Heartbeat) UnmarshalJSON(data []byte) error {
	var w wireHeartbeat
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*h = Heartbeat(w)
	return nil
}
