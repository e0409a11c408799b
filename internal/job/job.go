package job

import "time"

type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// Terminal reports whether no further transitions may leave s.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// CanTransition reports whether a job may move from one status to another.
// The lifecycle is queued -> running -> {finished, failed}; a queued job may
// also fail directly (cancel before start, unusable submission).
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusFinished || to == StatusFailed
	default:
		return false
	}
}

// Job is one submitted conversion. InputDir holds the uploaded source images
// until the job reaches a terminal state; OutputDir receives the generated
// model and is never cleaned up by this service. Filesystem paths are internal
// and must not reach clients.
type Job struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Progress  int       `json:"progress"`
	Artifact  string    `json:"-"`
	Error     string    `json:"error,omitempty"`
	InputDir  string    `json:"-"`
	OutputDir string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// New returns a queued job record for the given id and directories.
func New(id, inputDir, outputDir string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        id,
		Status:    StatusQueued,
		InputDir:  inputDir,
		OutputDir: outputDir,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
