package journal

import "time"

// RunStatus represents the lifecycle state of an upgrade run.
type RunStatus string

const (
	RunStatusRunning     RunStatus = "running"
	RunStatusSucceeded   RunStatus = "succeeded"
	RunStatusFailed      RunStatus = "failed"
	RunStatusRolledBack  RunStatus = "rolled-back"
	RunStatusInterrupted RunStatus = "interrupted"
	// RunStatusAlreadyCurrent marks a run that found the machine already
	// on the target release and changed nothing.
	RunStatusAlreadyCurrent RunStatus = "already-current"
)

// PhaseStatus represents the outcome of a single phase within a run.
type PhaseStatus string

const (
	PhaseStatusRunning   PhaseStatus = "running"
	PhaseStatusCompleted PhaseStatus = "completed"
	PhaseStatusFailed    PhaseStatus = "failed"
	PhaseStatusSkipped   PhaseStatus = "skipped"
)

// EventLevel represents the severity of a journal event.
type EventLevel string

const (
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// RunRecord is one upgrade attempt.
type RunRecord struct {
	ID            string     `json:"id"`
	SourceRelease string     `json:"source_release"`
	TargetRelease string     `json:"target_release"`
	ToolVersion   string     `json:"tool_version"`
	DryRun        bool       `json:"dry_run"`
	Status        RunStatus  `json:"status"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	Error         *string    `json:"error,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// PhaseRecord is one phase execution within a run.
type PhaseRecord struct {
	ID          int64       `json:"id"`
	RunID       string      `json:"run_id"`
	Name        string      `json:"name"`
	Status      PhaseStatus `json:"status"`
	Error       *string     `json:"error,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// EventRecord is one noteworthy moment within a run, kept append-only.
type EventRecord struct {
	ID        int64      `json:"id"`
	RunID     string     `json:"run_id"`
	Phase     *string    `json:"phase,omitempty"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
}
