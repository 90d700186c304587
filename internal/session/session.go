// Package session defines the durable session lifecycle and task
// metadata primitives that sit alongside the in-memory page/frame
// Registry: a Session is the durable conversational container a task
// belongs to, independent of whether its pages/frames are still live.
package session

import (
	"context"
	"errors"
	"time"
)

type (
	// Session captures durable session lifecycle state.
	//
	// Contract:
	// - Session IDs are stable and caller-provided.
	// - Sessions are created explicitly (CreateSession) and ended
	//   explicitly (EndSession).
	// - Ended sessions are terminal: new tasks must not start under an
	//   ended session.
	Session struct {
		ID        string
		TenantID  string
		Status    Status
		CreatedAt time.Time
		EndedAt   *time.Time
	}

	// TaskMeta captures persistent metadata for a single task execution,
	// independent of the task's live event stream (internal/eventbus) or
	// its in-memory routing state (internal/registry).
	TaskMeta struct {
		TaskID    string
		SessionID string
		TenantID  string
		Status    TaskStatus
		StartedAt time.Time
		UpdatedAt time.Time
		Labels    map[string]string
		Metadata  map[string]any
	}

	// Store persists session lifecycle state and task metadata. Failures
	// are surfaced to callers so task submission can fail fast when
	// durable storage is unavailable, rather than silently running a task
	// nothing will remember.
	Store interface {
		// CreateSession creates (or returns) an active session.
		//
		// Idempotent for active sessions: returns the existing session.
		// Returns ErrSessionEnded when the session exists but is terminal.
		CreateSession(ctx context.Context, sessionID, tenantID string, createdAt time.Time) (Session, error)
		// LoadSession loads an existing session. Returns ErrSessionNotFound
		// when the session does not exist.
		LoadSession(ctx context.Context, sessionID string) (Session, error)
		// EndSession ends a session and returns its terminal state.
		// Idempotent: ending an already-ended session returns the stored
		// session.
		EndSession(ctx context.Context, sessionID string, endedAt time.Time) (Session, error)

		// UpsertTask inserts or updates task metadata.
		UpsertTask(ctx context.Context, task TaskMeta) error
		// LoadTask loads task metadata. Returns ErrTaskNotFound when
		// missing.
		LoadTask(ctx context.Context, taskID string) (TaskMeta, error)
		// ListTasksBySession lists tasks for the given session. When
		// statuses is non-empty, only tasks whose status matches one of
		// the provided values are returned.
		ListTasksBySession(ctx context.Context, sessionID string, statuses []TaskStatus) ([]TaskMeta, error)
	}

	// Status is the lifecycle state of a Session.
	Status string

	// TaskStatus is the lifecycle state of a TaskMeta, matching the task
	// statuses the event bus's status snapshot reports.
	TaskStatus string
)

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"

	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCanceled  TaskStatus = "canceled"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionEnded    = errors.New("session ended")
	ErrTaskNotFound    = errors.New("task not found")
)
