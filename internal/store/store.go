package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for the store package.
var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrNotHolder is returned when a conditional update loses because the
	// row is held by a different worker (or by nobody).
	ErrNotHolder = errors.New("store: not the holding worker")

	// ErrNoEligibleCredential is returned when every credential is inactive
	// or locked out.
	ErrNoEligibleCredential = errors.New("store: no eligible credential")
)

// AbandonedMarker is the canonical error message written when a hard
// shutdown deadline forces a worker to abandon a job. The reaper checks for
// it and will not re-release such jobs.
const AbandonedMarker = "abandoned on shutdown"

// Store is the canonical datastore for one environment. Every mutation that
// can race across workers is expressed as a conditional update: the caller
// learns it lost the race via a nil row or ErrNotHolder, never by observing
// a partially applied write.
//
// Claim* methods return (nil, nil) when no work is available.
type Store interface {
	// Extraction queue.
	InsertJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id int64) (*Job, error)
	// ClaimNextJob atomically claims the oldest pending job:
	// pending -> processing, conditional on status=pending and no holder.
	ClaimNextJob(ctx context.Context, workerID string) (*Job, error)
	// ClaimJob claims one specific job by ID with the same conditions as
	// ClaimNextJob. (nil, nil) means the job exists but is not claimable.
	ClaimJob(ctx context.Context, id int64, workerID string) (*Job, error)
	// CompleteJob moves processing -> extraction-complete and records the
	// artifact path, conditional on workerID being the holder.
	CompleteJob(ctx context.Context, id int64, workerID, artifactPath string) error
	// FailJob leaves processing: back to pending while attempts remain,
	// else to error. Always clears the holder. Retriable=false forces the
	// error state regardless of the attempt budget.
	FailJob(ctx context.Context, id int64, workerID, message string, screenshotURL string, retriable bool) error
	// ReleaseJob is the reaper path: processing -> pending without touching
	// the attempt counter, conditional on holderID still holding the row.
	ReleaseJob(ctx context.Context, id int64, holderID, marker string) error

	// OCR queue (same table, OCR states).
	ClaimNextOCRJob(ctx context.Context, workerID string, kind JobKind) (*Job, error)
	CompleteOCR(ctx context.Context, id int64, workerID, rawContent, structuredContent string) error
	FailOCR(ctx context.Context, id int64, workerID, message string) error
	CountOCRBacklog(ctx context.Context, kind JobKind) (int, error)

	// Business-registry sessions and their personal-rights children.
	ClaimNextSession(ctx context.Context, workerID string) (*Session, error)
	FinishSession(ctx context.Context, id int64, workerID string, status SessionStatus, message string) error
	ClaimNextSearch(ctx context.Context, workerID string) (*PersonalRightsSearch, error)
	// FinishSearch records a terminal search outcome and, when every sibling
	// is terminal, advances the parent session to completed.
	FinishSearch(ctx context.Context, id int64, workerID string, status SearchStatus, artifactPath, message string) error
	GetSession(ctx context.Context, id int64) (*Session, error)

	// Worker liveness.
	UpsertWorkerStatus(ctx context.Context, ws *WorkerStatus) error
	Heartbeat(ctx context.Context, workerID string, state WorkerState, currentJobID *int64, currentJobEnv *string) error
	// SetWorkerCredential records which credential the worker selected.
	SetWorkerCredential(ctx context.Context, workerID string, credentialID int64) error
	ListStaleWorkers(ctx context.Context, deadThreshold time.Duration) ([]WorkerStatus, error)
	MarkWorkerOffline(ctx context.Context, workerID string) error
	BumpWorkerCounters(ctx context.Context, workerID string, completed, failed int64) error

	// Credentials.
	SelectCredential(ctx context.Context) (*Credential, error)
	ResetCredentialFailures(ctx context.Context, id int64) error
	// BumpCredentialFailure increments the failure counter and returns the
	// new count so callers can detect lockout.
	BumpCredentialFailure(ctx context.Context, id int64) (int, error)
}
