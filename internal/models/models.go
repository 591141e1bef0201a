package models

import (
	"time"

	"github.com/google/uuid"
)

// Enums
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed out of s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransition reports whether a job in state s may move to next.
// Staying in the same non-terminal state is allowed so progress can be written.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusQueued:
		return next == JobStatusQueued || next == JobStatusProcessing || next == JobStatusFailed
	case JobStatusProcessing:
		return next == JobStatusProcessing || next == JobStatusCompleted || next == JobStatusFailed
	default:
		return false
	}
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

type MediaType string

const (
	MediaTypeImage MediaType = "image"
	MediaTypeVideo MediaType = "video"
)

type AspectRatio string

const (
	AspectRatioLandscape AspectRatio = "16:9"
	AspectRatioPortrait  AspectRatio = "9:16"
)

type FitMode string

const (
	FitModeFit  FitMode = "fit"  // Scale inside the frame, pad the remainder
	FitModeCrop FitMode = "crop" // Scale to cover the frame, center-crop the overflow
)

// Models

// RenderJob is the pollable record of one render request.
type RenderJob struct {
	ID         uuid.UUID  `json:"jobId"`
	Status     JobStatus  `json:"status"`
	Progress   int        `json:"progress"` // 0-100, never decreases while the job is live
	Stage      *string    `json:"stage,omitempty"`
	VideoURL   *string    `json:"videoUrl,omitempty"` // Only set once completed
	Error      *string    `json:"error,omitempty"`    // Only set once failed
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// NewRenderJob returns a fresh queued job with a new id.
func NewRenderJob() *RenderJob {
	now := time.Now().UTC()
	return &RenderJob{
		ID:        uuid.New(),
		Status:    JobStatusQueued,
		Progress:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// JobUpdate is a partial update applied to a RenderJob. Nil fields are left unchanged.
type JobUpdate struct {
	Status   *JobStatus
	Progress *int
	Stage    *string
	VideoURL *string
	Error    *string
}

// Apply merges u into job and stamps timestamps. It does not check transitions.
func (u JobUpdate) Apply(job *RenderJob, now time.Time) {
	if u.Status != nil {
		if *u.Status == JobStatusProcessing && job.StartedAt == nil {
			t := now
			job.StartedAt = &t
		}
		if u.Status.IsTerminal() && job.FinishedAt == nil {
			t := now
			job.FinishedAt = &t
		}
		job.Status = *u.Status
	}
	if u.Progress != nil {
		job.Progress = clampProgress(*u.Progress)
	}
	if u.Stage != nil {
		job.Stage = u.Stage
	}
	if u.VideoURL != nil {
		job.VideoURL = u.VideoURL
	}
	if u.Error != nil {
		job.Error = u.Error
	}
	job.UpdatedAt = now
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// API response types

type RenderAcceptedResponse struct {
	JobID    uuid.UUID `json:"jobId"`
	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"`
}

type RenderStatusResponse struct {
	JobID    uuid.UUID `json:"jobId"`
	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"`
	VideoURL *string   `json:"videoUrl,omitempty"`
	Error    *string   `json:"error,omitempty"`
}

// StatusResponse projects a job onto the polling contract.
func (j *RenderJob) StatusResponse() RenderStatusResponse {
	resp := RenderStatusResponse{
		JobID:    j.ID,
		Status:   j.Status,
		Progress: j.Progress,
	}
	if j.Status == JobStatusCompleted {
		resp.VideoURL = j.VideoURL
	}
	if j.Status == JobStatusFailed {
		resp.Error = j.Error
	}
	return resp
}

// Pointer helpers for building JobUpdate values.

func StatusPtr(s JobStatus) *JobStatus { return &s }
func IntPtr(i int) *int                { return &i }
func StrPtr(s string) *string          { return &s }
