// Package notify carries the fire-and-forget side effects of the
// approval engine: user notifications, activity events and read-only
// shares with approvers. The engine never fails a transition because a
// sink failed.
package notify

import (
	"context"
	"log"

	"github.com/gargmanash/approval-mainnc/internal/store"
)

// Notification kinds.
const (
	KindApproved      = "approved"
	KindRejected      = "rejected"
	KindManualRequest = "manual_request"
)

// Event subjects.
const (
	SubjectApproved        = "approved"
	SubjectRejected        = "rejected"
	SubjectRequested       = "manually_requested"
	SubjectRequestedOrigin = "requested_origin"
)

type Notifier interface {
	Notify(ctx context.Context, userID, kind string, params map[string]any)
}

type EventSink interface {
	TriggerEvent(ctx context.Context, objectType, objectID, subjectKind string, params map[string]any)
}

// Sharer grants read access to a file for a principal. Returns false on
// failure; the caller logs and continues.
type Sharer interface {
	ShareRead(ctx context.Context, file store.FileHandle, principalType, principalID, sharerUserID, label string) bool
}

// LogSink implements all three sinks by logging. It stands in until a
// real notification transport is wired at the boundary.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, userID, kind string, params map[string]any) {
	log.Printf("notify: user=%s kind=%s params=%v", userID, kind, params)
}

func (LogSink) TriggerEvent(_ context.Context, objectType, objectID, subjectKind string, params map[string]any) {
	log.Printf("event: %s/%s subject=%s params=%v", objectType, objectID, subjectKind, params)
}

func (LogSink) ShareRead(_ context.Context, file store.FileHandle, principalType, principalID, sharerUserID, _ string) bool {
	log.Printf("share: file=%s with %s/%s by %s", file.ID, principalType, principalID, sharerUserID)
	return true
}
