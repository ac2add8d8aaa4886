package store

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the processing state shared by companies and links.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a record in state s may move to next.
// Records only move forward; completed and failed are terminal.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusInProgress || next == StatusFailed
	case StatusInProgress:
		return next == StatusCompleted || next == StatusFailed
	}
	return false
}

// Company is one extracted subject as persisted.
type Company struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Summary   string          `json:"summary"`
	Funding   json.RawMessage `json:"funding"`
	ChatID    string          `json:"chat_id"`
	CreatedAt time.Time       `json:"created_at"`
	Status    Status          `json:"processing_status"`
}

// Link is one URL/credential sub-record of a company.
type Link struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	URL         string    `json:"url"`
	Password    string    `json:"password,omitempty"`
	CompanyID   string    `json:"company_id"`
	Status      Status    `json:"processing_status"`
	LastUpdated time.Time `json:"last_updated"`
}

// ArchivedCompany is what an Archiver receives once a company and all of its
// links were written.
type ArchivedCompany struct {
	Company Company
	Links   []Link
}

// Archiver durably records companies beyond the store TTL.
type Archiver interface {
	Archive(ctx context.Context, rec ArchivedCompany) error
}
