package domain

import "fmt"

type Status string

func (s Status) String() string {
	return string(s)
}

const (
	StatusPending Status = "pending" // Discovered, details not fetched yet
	StatusFetched Status = "fetched" // Details fetched and stored
	StatusFailed  Status = "failed"  // Retry budget exhausted or permanent error
)

var Statuses = []Status{
	StatusPending,
	StatusFetched,
	StatusFailed,
}

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusFetched, StatusFailed:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown item status %q", s)
	}
}
