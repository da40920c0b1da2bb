// Package protocol defines the JSON frames exchanged between group members and the
// server over a channel connection.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Action identifies the kind of a server-originated action frame
type Action string

const (
	// ActionOpened announces a newly opened channel. Sent to the joining member it also
	// carries the membership snapshot and the current session.
	ActionOpened Action = "OPENED"
	// ActionClosed announces that a member's channel was closed
	ActionClosed Action = "CLOSED"
	// ActionJoined announces a run that joined the group for the first time
	ActionJoined Action = "JOINED"
	// ActionLeft announces a run that left the group for good
	ActionLeft Action = "LEFT"
	// ActionSession carries the new session data after an accepted update
	ActionSession Action = "SESSION"
	// ActionSessionAck confirms an accepted session update to its submitter
	ActionSessionAck Action = "SESSION_ACK"
	// ActionSessionFail rejects a session update and carries the authoritative session
	ActionSessionFail Action = "SESSION_FAIL"
	// ActionError reports a problem with a frame sent by the member
	ActionError Action = "ERROR"
)

// SessionUpdateType is the value of the "type" field that marks a session update request
const SessionUpdateType = "session-update"

var (
	// ErrMalformedFrame is returned for frames that are not valid JSON
	ErrMalformedFrame = errors.New("malformed frame: not valid JSON")
	// ErrInvalidSessionUpdate is returned for session update requests that cannot be applied
	ErrInvalidSessionUpdate = errors.New("invalid session update")
)

// ActionMessage is a server-originated frame
type ActionMessage struct {
	Action    Action          `json:"action"`
	GroupID   string          `json:"groupId,omitempty"`
	MemberID  string          `json:"memberId,omitempty"`
	Members   []string        `json:"members,omitempty"`
	Channels  []string        `json:"channels,omitempty"`
	Version   *int64          `json:"version,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	ErrorMsg  string          `json:"errorMsg,omitempty"`
}

// Encode marshals the frame. ActionMessage only holds strings and raw JSON, so the
// error can only come from a corrupt Data field.
func (m ActionMessage) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", m.Action, err)
	}
	return b, nil
}

// VersionOf returns a pointer suitable for ActionMessage.Version
func VersionOf(v int64) *int64 {
	return &v
}

// ErrorFrame builds an ERROR frame. It never fails.
func ErrorFrame(groupID, requestID, msg string) []byte {
	b, err := ActionMessage{
		Action:    ActionError,
		GroupID:   groupID,
		RequestID: requestID,
		ErrorMsg:  msg,
	}.Encode()
	if err != nil {
		return []byte(`{"action":"ERROR"}`)
	}
	return b
}

// SessionUpdateRequest is a client request to change the group session
type SessionUpdateRequest struct {
	Type            string          `json:"type"`
	RequestID       string          `json:"requestId,omitempty"`
	ExpectedVersion int64           `json:"expectedVersion"`
	Data            json.RawMessage `json:"data,omitempty"`
	Patch           json.RawMessage `json:"patch,omitempty"`
}

// Validate checks that exactly one of data or patch is set
func (r *SessionUpdateRequest) Validate() error {
	hasData := len(r.Data) > 0
	hasPatch := len(r.Patch) > 0
	switch {
	case hasData && hasPatch:
		return fmt.Errorf("%w: data and patch are mutually exclusive", ErrInvalidSessionUpdate)
	case !hasData && !hasPatch:
		return fmt.Errorf("%w: one of data or patch is required", ErrInvalidSessionUpdate)
	case r.ExpectedVersion < 0:
		return fmt.Errorf("%w: expectedVersion must not be negative", ErrInvalidSessionUpdate)
	}
	if hasData && !json.Valid(r.Data) {
		return fmt.Errorf("%w: data is not valid JSON", ErrInvalidSessionUpdate)
	}
	return nil
}

// FrameKind classifies an inbound client frame
type FrameKind int

const (
	// KindBroadcast is an opaque payload for every other member
	KindBroadcast FrameKind = iota
	// KindUnicast is a payload for the member named in "recipient"
	KindUnicast
	// KindSessionUpdate is a session update request
	KindSessionUpdate
)

// String returns the metric label of the kind
func (k FrameKind) String() string {
	switch k {
	case KindUnicast:
		return "unicast"
	case KindSessionUpdate:
		return "session_update"
	default:
		return "broadcast"
	}
}

// Inbound is a classified client frame
type Inbound struct {
	Kind      FrameKind
	Recipient string
	Payload   []byte
	Session   *SessionUpdateRequest
}

// ParseInbound classifies a raw client frame. Passthrough frames are not decoded,
// only inspected for the fields that route them.
func ParseInbound(frame []byte) (Inbound, error) {
	if !gjson.ValidBytes(frame) {
		return Inbound{}, ErrMalformedFrame
	}

	parsed := gjson.ParseBytes(frame)
	if !parsed.IsObject() {
		return Inbound{Kind: KindBroadcast, Payload: frame}, nil
	}

	if parsed.Get("type").String() == SessionUpdateType {
		var req SessionUpdateRequest
		if err := json.Unmarshal(frame, &req); err != nil {
			return Inbound{}, fmt.Errorf("%w: %v", ErrInvalidSessionUpdate, err)
		}
		if err := req.Validate(); err != nil {
			return Inbound{Kind: KindSessionUpdate, Session: &req}, err
		}
		return Inbound{Kind: KindSessionUpdate, Session: &req}, nil
	}

	if recipient := parsed.Get("recipient"); recipient.Type == gjson.String && recipient.Str != "" {
		return Inbound{Kind: KindUnicast, Recipient: recipient.Str, Payload: frame}, nil
	}

	return Inbound{Kind: KindBroadcast, Payload: frame}, nil
}
