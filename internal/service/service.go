// Package service provides the synchronous facade over the group dispatchers
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/studyhub/groupchannel/internal/channel"
	"github.com/studyhub/groupchannel/internal/dispatcher"
	"github.com/studyhub/groupchannel/internal/protocol"
)

var (
	// ErrGroupNotFound is returned when a group has no live dispatcher
	ErrGroupNotFound = dispatcher.ErrGroupNotFound
	// ErrTimeout is returned when a dispatcher did not answer in time
	ErrTimeout = dispatcher.ErrTimeout
	// ErrStopped is returned when a dispatcher or the registry shut down before answering
	ErrStopped = dispatcher.ErrStopped
	// ErrGroupFinished is returned for writes to a finished group
	ErrGroupFinished = dispatcher.ErrGroupFinished
	// ErrInvalidSessionUpdate is returned for session updates that cannot be applied
	ErrInvalidSessionUpdate = protocol.ErrInvalidSessionUpdate
	// ErrInvalidRun is returned when a group or run ID is missing
	ErrInvalidRun = errors.New("invalid run")
	// ErrInvalidMessage is returned for message payloads that are not valid JSON
	ErrInvalidMessage = errors.New("invalid message")
	// ErrInvalidReassignment is returned when a channel cannot be moved to the requested group
	ErrInvalidReassignment = errors.New("invalid reassignment")
	// ErrGroupUnavailable is returned when a group dispatcher keeps stopping under the caller
	ErrGroupUnavailable = errors.New("group unavailable")
)

//go:generate mockgen -destination=mocks/mock_service.go -package=mocks -source=service.go ChannelService

// ChannelService defines the operations the HTTP layer performs on groups and channels
type ChannelService interface {
	// CheckReadiness checks that the dispatcher registry answers requests
	CheckReadiness(ctx context.Context) error

	// OpenChannel closes any channel the run already has and returns a new one.
	// The channel joins its group when it is served.
	OpenChannel(ctx context.Context, run Run) (*channel.Channel, error)

	// CloseChannel closes the channel of the run, if any. It does not wait.
	CloseChannel(run Run)

	// UpdateSession applies a session update on behalf of the run. A version conflict is
	// not an error; it is reported through SessionResult.Status.
	UpdateSession(ctx context.Context, run Run, update SessionUpdate) (*SessionResult, error)

	// Session returns the current session of a group
	Session(ctx context.Context, groupID string) (*Session, error)

	// GroupInfo returns the state, membership and session of a group
	GroupInfo(ctx context.Context, groupID string) (*GroupInfo, error)

	// Groups returns the IDs of the live groups
	Groups(ctx context.Context) ([]string, error)

	// Send delivers payload to recipient, or to every channel of the group when recipient is empty
	Send(ctx context.Context, groupID, recipient string, payload json.RawMessage) error

	// LeaveGroup removes the run from its group for good
	LeaveGroup(ctx context.Context, run Run) (bool, error)

	// ReassignChannel moves the channel of the run to another group
	ReassignChannel(ctx context.Context, run Run, targetGroupID string) (bool, error)

	// FinishGroup closes every channel of the group and rejects new ones
	FinishGroup(ctx context.Context, groupID string) error
}

// Run identifies the connection of one participant
type Run struct {
	GroupID string
	RunID   string
}

// Validate checks that both IDs are set
func (r Run) Validate() error {
	if r.GroupID == "" {
		return fmt.Errorf("%w: group ID is required", ErrInvalidRun)
	}
	if r.RunID == "" {
		return fmt.Errorf("%w: run ID is required", ErrInvalidRun)
	}
	return nil
}

// SessionUpdate is a request to replace or patch the session of a group
type SessionUpdate struct {
	ExpectedVersion int64           `json:"expectedVersion"`
	Data            json.RawMessage `json:"data,omitempty"`
	Patch           json.RawMessage `json:"patch,omitempty"`
	RequestID       string          `json:"requestId,omitempty"`
}

func (u SessionUpdate) request() protocol.SessionUpdateRequest {
	return protocol.SessionUpdateRequest{
		Type:            protocol.SessionUpdateType,
		RequestID:       u.RequestID,
		ExpectedVersion: u.ExpectedVersion,
		Data:            u.Data,
		Patch:           u.Patch,
	}
}

// SessionStatus is the outcome of a session update
type SessionStatus string

const (
	// SessionAccepted means the update was applied
	SessionAccepted SessionStatus = "accepted"
	// SessionConflict means the expected version was stale
	SessionConflict SessionStatus = "conflict"
)

// SessionResult is the authoritative session after an update
type SessionResult struct {
	Status  SessionStatus   `json:"status"`
	Version int64           `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// Session is the shared state of a group
type Session struct {
	Version int64           `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// GroupInfo describes a group
type GroupInfo struct {
	GroupID  string          `json:"groupId"`
	State    string          `json:"state"`
	Members  []string        `json:"members"`
	Channels []string        `json:"channels"`
	Version  int64           `json:"version"`
	Data     json.RawMessage `json:"data"`
}
