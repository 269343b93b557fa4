package worker

import (
	"os"

	"github.com/google/uuid"
)

// Identity names one worker process across all environments. The ID is fresh
// per process: a restarted worker is a new worker, and the reaper cleans up
// after the old one.
type Identity struct {
	ID       string
	Hostname string
}

// NewIdentity mints a process identity.
func NewIdentity() Identity {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return Identity{
		ID:       uuid.NewString(),
		Hostname: host,
	}
}
