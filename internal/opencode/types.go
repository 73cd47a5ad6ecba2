package opencode

import "encoding/json"

// Status is the reduced activity signal of a session or instance.
type Status string

const (
	StatusIdle Status = "idle"
	StatusBusy Status = "busy"
)

// parseStatus maps a raw session status type; "retry" counts as busy.
func parseStatus(raw string) Status {
	switch raw {
	case "busy", "retry", "retrying":
		return StatusBusy
	default:
		return StatusIdle
	}
}

// Session is a conversation on an instance. Sessions without a ParentID are
// root sessions.
type Session struct {
	ID        string `json:"id"`
	ParentID  string `json:"parentID,omitempty"`
	Directory string `json:"directory,omitempty"`
	Title     string `json:"title,omitempty"`
}

// IsRoot reports whether the session has no parent.
func (s Session) IsRoot() bool {
	return s.ParentID == ""
}

// PermissionRequest is an approval gate raised by an instance.
type PermissionRequest struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Type      string `json:"type,omitempty"`
	Title     string `json:"title,omitempty"`
}

// PermissionResponse is the reply to a permission request.
type PermissionResponse string

const (
	PermissionOnce   PermissionResponse = "once"
	PermissionAlways PermissionResponse = "always"
	PermissionReject PermissionResponse = "reject"
)

// Valid reports whether r is one of the accepted replies.
func (r PermissionResponse) Valid() bool {
	switch r {
	case PermissionOnce, PermissionAlways, PermissionReject:
		return true
	}
	return false
}

// StatusEvent reports a root session's status. SessionID is empty for the
// aggregate resync that follows a (re)connect.
type StatusEvent struct {
	SessionID string
	Status    Status
}

// SessionEventType distinguishes session lifecycle events.
type SessionEventType string

const (
	SessionCreated SessionEventType = "created"
	SessionDeleted SessionEventType = "deleted"
)

// SessionEvent reports creation or deletion of a root session.
type SessionEvent struct {
	Type    SessionEventType
	Session Session
}

// PermissionEventType distinguishes permission events.
type PermissionEventType string

const (
	PermissionUpdated PermissionEventType = "permission.updated"
	PermissionReplied PermissionEventType = "permission.replied"
)

// PermissionEvent forwards a permission event for a root session. Properties
// holds the event payload as received.
type PermissionEvent struct {
	Type         PermissionEventType
	SessionID    string
	PermissionID string
	Response     PermissionResponse
	Properties   json.RawMessage
}
