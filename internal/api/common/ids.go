package common

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"unicode"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/studyhub/groupchannel/internal/otel"
)

const (
	// GroupIDParam is the chi route parameter holding the group ID
	GroupIDParam = "groupID"
	// RunIDParam is the chi route parameter holding the run ID
	RunIDParam = "runID"

	// MaxIDLength bounds group and run IDs, in bytes
	MaxIDLength = 128
)

// GroupID returns the decoded group ID of the request and tags the server span with it
func GroupID(r *http.Request) (string, error) {
	id, err := routeID(r, GroupIDParam)
	if err != nil {
		return "", err
	}
	trace.SpanFromContext(r.Context()).SetAttributes(otel.AttrGroupID.String(id))
	return id, nil
}

// RunID returns the decoded run ID of the request and tags the server span with it
func RunID(r *http.Request) (string, error) {
	id, err := routeID(r, RunIDParam)
	if err != nil {
		return "", err
	}
	trace.SpanFromContext(r.Context()).SetAttributes(otel.AttrRunID.String(id))
	return id, nil
}

// ValidateID checks a decoded group or run ID. IDs are non-empty, at most MaxIDLength
// bytes, and contain neither whitespace nor control characters.
func ValidateID(name, id string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%s exceeds %d bytes", name, MaxIDLength)
	}
	if strings.IndexFunc(id, func(c rune) bool { return unicode.IsSpace(c) || unicode.IsControl(c) }) >= 0 {
		return fmt.Errorf("%s cannot contain whitespace or control characters", name)
	}
	return nil
}

func routeID(r *http.Request, param string) (string, error) {
	decoded, err := url.PathUnescape(chi.URLParam(r, param))
	if err != nil {
		return "", fmt.Errorf("invalid URL encoding in %s", param)
	}
	if err := ValidateID(param, decoded); err != nil {
		return "", err
	}
	return decoded, nil
}
