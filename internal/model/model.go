package model

import (
	"time"
)

// ─────────────────────────────────────────────
// Job State Machine
// ─────────────────────────────────────────────

type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

// ─────────────────────────────────────────────
// Core Domain Models
// ─────────────────────────────────────────────

// Job represents a document-processing request dispatched to AI workers.
type Job struct {
	TraceID     string    `json:"trace_id"`
	OwnerID     string    `json:"owner_id"` // credit account owner (guest device or user_<id>)
	DocumentID  string    `json:"document_id"`
	DocumentURL string    `json:"document_url"`
	Status      JobStatus `json:"status"`
	WorkerID    string    `json:"worker_id,omitempty"`
	Force       bool      `json:"force"`
	Pages       int       `json:"pages"` // estimated page count; also the credit charge on success
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// CacheKey builds the per-owner result cache key: "cache:{OwnerID}:{DocumentID}"
func CacheKey(ownerID, documentID string) string {
	return "cache:" + ownerID + ":" + documentID
}

// JobKey builds the job state key: "job:{TraceID}"
func JobKey(traceID string) string {
	return "job:" + traceID
}

// CollapsingKey builds the request collapsing key: "inflight:{OwnerID}:{DocumentID}"
func CollapsingKey(ownerID, documentID string) string {
	return "inflight:" + ownerID + ":" + documentID
}

// PendingQueueKey is the Redis list holding pending job IDs.
const PendingQueueKey = "queue:pending"

// ─────────────────────────────────────────────
// WebSocket Protocol Messages
// ─────────────────────────────────────────────

type MsgType string

const (
	// Server → Worker
	MsgTypeJobAnnouncement MsgType = "JOB_ANNOUNCEMENT"

	// Worker → Server
	MsgTypeFetchJob  MsgType = "FETCH_JOB"
	MsgTypeJobResult MsgType = "JOB_RESULT"

	// Server → Worker (response to FETCH)
	MsgTypeJobAssigned MsgType = "JOB_ASSIGNED"
	MsgTypeJobGone     MsgType = "JOB_GONE" // already claimed by another worker
)

// Envelope is the top-level WebSocket frame.
type Envelope struct {
	Type    MsgType     `json:"type"`
	Payload interface{} `json:"payload"`
}

// JobAnnouncement is broadcast to all workers when a new job is available.
type JobAnnouncement struct {
	TraceID  string `json:"trace_id"`
	Pages    int    `json:"pages"`
	QueueLen int    `json:"queue_len"` // informational
}

// FetchJobRequest is sent by a worker to claim a job.
type FetchJobRequest struct {
	TraceID  string `json:"trace_id"`
	WorkerID string `json:"worker_id"`
}

// JobAssignment is the response when a worker successfully claims a job.
type JobAssignment struct {
	TraceID     string `json:"trace_id"`
	DocumentID  string `json:"document_id"`
	DocumentURL string `json:"document_url"`
	Pages       int    `json:"pages"`
}

// JobResult is submitted by a worker after processing a document.
type JobResult struct {
	TraceID   string `json:"trace_id"`
	WorkerID  string `json:"worker_id"`
	Success   bool   `json:"success"`
	Pages     int    `json:"pages"` // pages actually processed
	ResultURL string `json:"result_url,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ─────────────────────────────────────────────
// SQL Persistence Models (async write)
// ─────────────────────────────────────────────

// JobLog records every job lifecycle event (one record per job).
type JobLog struct {
	TraceID     string     `gorm:"primaryKey" json:"trace_id"`
	OwnerID     string     `gorm:"index" json:"owner_id"`
	DocumentID  string     `json:"document_id"`
	DocumentURL string     `json:"document_url"`
	WorkerID    string     `json:"worker_id"`
	Status      JobStatus  `json:"status"`
	Force       bool       `json:"force"`
	Pages       int        `json:"pages"`
	Charged     bool       `json:"charged"` // whether the credit debit succeeded on settlement
	CreatedAt   time.Time  `json:"created_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// ─────────────────────────────────────────────
// HTTP Request / Response
// ─────────────────────────────────────────────

// ProcessRequest is the inbound API request.
// The owner identity is NOT included here – it is resolved from the
// API key or device header in the middleware.
type ProcessRequest struct {
	DocumentID  string `json:"document_id" binding:"required"`
	DocumentURL string `json:"document_url" binding:"required,url"`
	Force       bool   `json:"force"`
}

// ProcessResponse is the outbound API response.
type ProcessResponse struct {
	Cached    bool   `json:"cached"`
	Pages     int    `json:"pages,omitempty"` // pages charged for this request
	ResultURL string `json:"result_url,omitempty"`
	Error     string `json:"error,omitempty"`
}

// UserProfile represents a user profile with balance information.
// Used by both /api/v1/me and /api/v1/admin/users/:id endpoints.
type UserProfile struct {
	User    interface{} `json:"user"`    // *auth.User
	Balance int         `json:"balance"` // pages remaining
}
