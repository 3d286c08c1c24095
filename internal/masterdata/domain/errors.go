package masterdata

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates a missing site, device or config record.
	ErrNotFound = errors.New("masterdata: not found")
	// ErrInternal indicates a post-condition violation during admission,
	// e.g. points failed to persist after their owning config did.
	ErrInternal = errors.New("masterdata: internal error")
)

// PointIssue describes one validation failure for one submitted point.
type PointIssue struct {
	Index   int    `json:"index"`
	Field   string `json:"field,omitempty"`
	Address int    `json:"address,omitempty"`
	Message string `json:"message"`
}

// ValidationError rejects a malformed config before persistence. It carries
// structured per-point detail so callers can report which points broke
// which rule.
type ValidationError struct {
	Issues []PointIssue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "masterdata: invalid config"
	}
	msgs := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		msgs = append(msgs, issue.Message)
	}
	return "masterdata: invalid config: " + strings.Join(msgs, "; ")
}

// ConflictError rejects a config whose points collide with already-persisted
// points for the same device, or whose submitted points collide with each
// other by name.
type ConflictError struct {
	Reason   string
	Existing string
	Incoming string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("masterdata: conflict: %s", e.Reason)
}
