package v1

import "encoding/json"

// ReassignRequest is the body of POST /groups/{groupID}/runs/{runID}/reassign
type ReassignRequest struct {
	TargetGroupID string `json:"targetGroupId"`
}

// ReassignResponse reports whether a channel was moved
type ReassignResponse struct {
	Moved bool `json:"moved"`
}

// LeaveResponse reports whether the run was part of the group
type LeaveResponse struct {
	Left bool `json:"left"`
}

// SendRequest is the body of POST /groups/{groupID}/messages. An empty recipient
// addresses every channel of the group.
type SendRequest struct {
	Recipient string          `json:"recipient,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// GroupListResponse lists the live groups
type GroupListResponse struct {
	Groups []string `json:"groups"`
	Count  int      `json:"count"`
}

// StatusResponse acknowledges requests that have no other result
type StatusResponse struct {
	Status string `json:"status"`
}
