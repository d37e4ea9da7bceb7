package queue

import (
	"strings"
	"time"
)

// Status represents the lifecycle of a queue entry.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// StaleClaimReason is recorded as the last error when a claim times out.
const StaleClaimReason = "claim expired before completion"

var allStatuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusDone,
	StatusFailed,
	StatusDeadLetter,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// ParseStatus normalizes a status string and reports whether it is known.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	normalized = Status(strings.ReplaceAll(string(normalized), "-", "_"))
	_, ok := statusSet[normalized]
	return normalized, ok
}

// AllStatuses returns every known status in lifecycle order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// IsTerminal reports whether no automatic transition leaves the status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusDeadLetter:
		return true
	}
	return false
}

// IsActive reports whether the status counts toward queue positions.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusProcessing
}

// Entry is one unit of pipeline work bound to a dataset.
type Entry struct {
	ID          int64
	DatasetID   string
	Status      Status
	Position    int64
	Attempts    int
	LastError   string
	ClaimedBy   string
	ClaimedAt   *time.Time
	ClaimToken  string
	AvailableAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsTerminal reports whether the entry has reached a terminal status.
func (e *Entry) IsTerminal() bool {
	return e != nil && e.Status.IsTerminal()
}

// PositionInfo pairs an active entry with its rank among pending and
// processing entries.
type PositionInfo struct {
	EntryID   int64
	DatasetID string
	Status    Status
	Position  int64
	Rank      int
}

// Stats counts entries per status.
type Stats map[Status]int
