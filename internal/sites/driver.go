// Package sites defines the contract between the worker core and the
// site-specific navigation code. The core never knows what a driver clicks;
// it only consumes the closed set of outcomes defined here.
package sites

import (
	"context"

	"github.com/laurentialabs/registre/internal/browser"
	"github.com/laurentialabs/registre/internal/store"
)

// FailureKind classifies a driver outcome. The worker maps kinds to retry
// decisions; drivers must pick the closest kind and never invent new ones.
// Anything a driver cannot classify is reported as FailureTransient.
type FailureKind string

const (
	FailureNone           FailureKind = ""
	FailureNotFound       FailureKind = "not_found"
	FailureTransient      FailureKind = "transient"
	FailurePermanent      FailureKind = "permanent"
	FailureInfrastructure FailureKind = "infrastructure"
	FailureLoginFailed    FailureKind = "login_failed"
	FailureAccountLocked  FailureKind = "account_locked"
)

// Retriable reports whether the worker should requeue the job.
func (k FailureKind) Retriable() bool {
	return k == FailureTransient || k == FailureInfrastructure
}

// Outcome is a classified driver result. Message is a short canonical
// description suitable for the job row; verbose detail belongs in logs.
type Outcome struct {
	Kind    FailureKind
	Message string
}

// OK reports success.
func (o Outcome) OK() bool { return o.Kind == FailureNone }

// Artifact is the document a successful execution produced.
type Artifact struct {
	Bytes    []byte
	Filename string
	MimeType string
}

// Result pairs an artifact with its outcome. Artifact is nil unless the
// outcome is success.
type Result struct {
	Artifact *Artifact
	Outcome  Outcome
}

// TaskKind discriminates the three queues a worker serves.
type TaskKind string

const (
	TaskExtraction TaskKind = "extraction"
	TaskSession    TaskKind = "session"
	TaskSearch     TaskKind = "search"
)

// Task is the tagged variant a worker dispatches: exactly one of the three
// payloads is set. The datastore row stays wide for the external contract;
// this is the type-safe in-memory projection.
type Task struct {
	Env        string
	Extraction *store.Job
	Session    *store.Session
	Search     *store.PersonalRightsSearch
}

// Kind returns the task's discriminant.
func (t *Task) Kind() TaskKind {
	switch {
	case t.Extraction != nil:
		return TaskExtraction
	case t.Session != nil:
		return TaskSession
	default:
		return TaskSearch
	}
}

// Driver executes site-specific flows on a live browser session.
//
// Execute must be idempotent: re-running the same task on a fresh session
// yields the same artifact or the same classified failure. The worker relies
// on that for at-least-once processing.
type Driver interface {
	// Login authenticates the session with the given credential.
	Login(ctx context.Context, session browser.Session, cred *store.Credential) Outcome

	// Execute drives the site flow for one task.
	Execute(ctx context.Context, session browser.Session, task *Task) Result
}

// DriverSet holds one driver per registry. A worker dispatches to the
// driver matching the claimed task's kind.
type DriverSet struct {
	// Land handles extraction jobs against the land registry.
	Land Driver
	// Enterprise handles business-registry sessions.
	Enterprise Driver
	// RDPRM handles personal-rights searches.
	RDPRM Driver
}

// For returns the driver responsible for a task kind.
func (d *DriverSet) For(kind TaskKind) Driver {
	switch kind {
	case TaskExtraction:
		return d.Land
	case TaskSession:
		return d.Enterprise
	default:
		return d.RDPRM
	}
}
