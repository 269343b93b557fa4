package store

import (
	"time"
)

// Status is the lifecycle state of an extraction job. The numeric codes are
// a stable external contract: other services recognize progress by code,
// so values must never be renumbered.
type Status int

const (
	StatusPending            Status = 1
	StatusProcessing         Status = 2
	StatusExtractionComplete Status = 3
	StatusError              Status = 4
	StatusOCRComplete        Status = 5
	StatusOCRInProgress      Status = 6
)

// String returns the canonical name for a status code.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusExtractionComplete:
		return "extraction-complete"
	case StatusError:
		return "error"
	case StatusOCRComplete:
		return "ocr-complete"
	case StatusOCRInProgress:
		return "ocr-in-progress"
	default:
		return "unknown"
	}
}

// Terminal reports whether a job in this status stays put unless a retry is
// explicitly requested.
func (s Status) Terminal() bool {
	return s == StatusError || s == StatusOCRComplete
}

// JobKind classifies an extraction job by the kind of document requested.
type JobKind string

const (
	KindIndex         JobKind = "index"
	KindActe          JobKind = "acte"
	KindPlanCadastral JobKind = "plan_cadastral"
)

// Bucket returns the object-storage bucket artifacts of this kind upload to.
func (k JobKind) Bucket() string {
	switch k {
	case KindIndex:
		return "index"
	case KindActe:
		return "actes"
	case KindPlanCadastral:
		return "plans-cadastraux"
	default:
		return "index"
	}
}

// ActeType narrows KindActe jobs. The land registry serves several document
// families through the same request flow.
type ActeType string

const (
	ActeTypeActe        ActeType = "acte"
	ActeTypeAvisAdresse ActeType = "avis_adresse"
	ActeTypeRadiation   ActeType = "radiation"
	ActeTypeDivers      ActeType = "divers"
)

// Job is one request for one document from the land registry.
//
// The row is wide on purpose: one table serves all three document kinds for
// the external contract, and the OCR columns let the pipeline restart at any
// stage. Note the "attemtps" column tag: the typo is part of the deployed
// schema and must be preserved until a migration is scheduled.
type Job struct {
	ID                 int64      `db:"id" json:"id"`
	Kind               JobKind    `db:"document_type" json:"document_type"`
	ActeType           ActeType   `db:"acte_type" json:"acte_type,omitempty"`
	DocumentNumber     string     `db:"document_number" json:"document_number"`
	DocumentNumberNorm string     `db:"document_number_normalized" json:"document_number_normalized"`
	Circumscription    string     `db:"circumscription" json:"circumscription"`
	Cadastre           string     `db:"cadastre" json:"cadastre"`
	Designation        string     `db:"designation_secondaire" json:"designation_secondaire,omitempty"`
	Status             Status     `db:"status" json:"status"`
	Attempts           int        `db:"attemtps" json:"attemtps"`
	MaxAttempts        int        `db:"max_attempts" json:"max_attempts"`
	WorkerID           *string    `db:"worker_id" json:"worker_id,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	ProcessingStarted  *time.Time `db:"processing_started_at" json:"processing_started_at,omitempty"`
	CompletedAt        *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	ArtifactPath       *string    `db:"artifact_path" json:"artifact_path,omitempty"`
	ErrorMessage       *string    `db:"error_message" json:"error_message,omitempty"`
	ErrorScreenshot    *string    `db:"error_screenshot_url" json:"error_screenshot_url,omitempty"`

	// OCR bookkeeping. RawContent holds the verbose model output for audit;
	// StructuredContent is the sanitized JSON clients query.
	OCRAttempts       int        `db:"ocr_attempts" json:"ocr_attempts"`
	OCRMaxAttempts    int        `db:"ocr_max_attempts" json:"ocr_max_attempts"`
	OCRStartedAt      *time.Time `db:"ocr_started_at" json:"ocr_started_at,omitempty"`
	OCRCompletedAt    *time.Time `db:"ocr_completed_at" json:"ocr_completed_at,omitempty"`
	RawContent        *string    `db:"raw_content" json:"raw_content,omitempty"`
	StructuredContent *string    `db:"structured_content" json:"structured_content,omitempty"`
}

// SessionStatus tracks a business-registry search session through its
// user-driven and worker-driven phases.
type SessionStatus string

const (
	SessionPendingCompanySelection SessionStatus = "pending_company_selection"
	SessionProcessing              SessionStatus = "processing"
	SessionSearchingNames          SessionStatus = "searching_names"
	SessionCompleted               SessionStatus = "completed"
	SessionFailed                  SessionStatus = "failed"
)

// Session is a user-initiated multi-step business-registry search. Once a
// company is selected, its names-to-search set is materialized and each name
// spawns a PersonalRightsSearch child row (datastore-side rule; workers only
// ever consume those rows).
type Session struct {
	ID              int64         `db:"id" json:"id"`
	CompanyName     string        `db:"company_name" json:"company_name"`
	SelectedCompany *string       `db:"selected_company" json:"selected_company,omitempty"`
	Status          SessionStatus `db:"status" json:"status"`
	// ReqCompleted is false at creation; the candidate-listing scraper sets
	// it true when the user-selection step has finished. Workers only claim
	// sessions with the flag set.
	ReqCompleted bool       `db:"req_completed" json:"req_completed"`
	WorkerID     *string    `db:"worker_id" json:"worker_id,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	CompletedAt  *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
}

// SearchStatus is the lifecycle of one personal-rights lookup.
type SearchStatus string

const (
	SearchPending    SearchStatus = "pending"
	SearchInProgress SearchStatus = "in_progress"
	SearchCompleted  SearchStatus = "completed"
	SearchFailed     SearchStatus = "failed"
	SearchNotFound   SearchStatus = "not_found"
)

// Terminal reports whether the search has reached a final state.
func (s SearchStatus) Terminal() bool {
	return s == SearchCompleted || s == SearchFailed || s == SearchNotFound
}

// PersonalRightsSearch is one exact-name lookup against the personal and
// movable rights registry, owned by a parent Session.
type PersonalRightsSearch struct {
	ID           int64        `db:"id" json:"id"`
	SessionID    int64        `db:"session_id" json:"session_id"`
	SearchName   string       `db:"search_name" json:"search_name"`
	Status       SearchStatus `db:"status" json:"status"`
	WorkerID     *string      `db:"worker_id" json:"worker_id,omitempty"`
	ArtifactPath *string      `db:"artifact_path" json:"artifact_path,omitempty"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
	CompletedAt  *time.Time   `db:"completed_at" json:"completed_at,omitempty"`
	ErrorMessage *string      `db:"error_message" json:"error_message,omitempty"`
}

// WorkerState is the coarse liveness state published on a worker row.
type WorkerState string

const (
	WorkerIdle    WorkerState = "idle"
	WorkerBusy    WorkerState = "busy"
	WorkerError   WorkerState = "error"
	WorkerOffline WorkerState = "offline"
)

// WorkerStatus is the per-running-worker liveness record. Rows are never
// deleted; the reaper only flips them offline, preserving history.
type WorkerStatus struct {
	WorkerID      string      `db:"worker_id" json:"worker_id"`
	Hostname      string      `db:"hostname" json:"hostname"`
	State         WorkerState `db:"status" json:"status"`
	CurrentJobID  *int64      `db:"current_job_id" json:"current_job_id,omitempty"`
	CurrentJobEnv *string     `db:"current_job_env" json:"current_job_env,omitempty"`
	CredentialID  *int64      `db:"credential_id" json:"credential_id,omitempty"`
	LastHeartbeat time.Time   `db:"last_heartbeat" json:"last_heartbeat"`
	JobsCompleted int64       `db:"jobs_completed" json:"jobs_completed"`
	JobsFailed    int64       `db:"jobs_failed" json:"jobs_failed"`
	StartedAt     time.Time   `db:"started_at" json:"started_at"`
}

// Credential is one registry login identity. Eligible when active and under
// the lockout threshold; selection is least-recently-used among eligible,
// never-used first.
type Credential struct {
	ID       int64      `db:"id" json:"id"`
	Username string     `db:"username" json:"username"`
	Password string     `db:"password" json:"-"`
	Active   bool       `db:"active" json:"active"`
	Failures int        `db:"failures" json:"failures"`
	LastUsed *time.Time `db:"last_used" json:"last_used,omitempty"`
}

// CredentialMaxFailures is the lockout threshold: a credential with this
// many consecutive login failures stops being selected but is not deleted.
const CredentialMaxFailures = 3
