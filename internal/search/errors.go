package search

import (
	"errors"
	"fmt"
	"strings"
)

// ErrIndexExists is returned by CreateIndex when the index already exists.
var ErrIndexExists = errors.New("index already exists")

// StatusError is a non-2xx answer to a request as a whole.
type StatusError struct {
	Op         string
	StatusCode int
	Type       string
	Reason     string
}

func (e *StatusError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: status %d: %s: %s", e.Op, e.StatusCode, e.Type, e.Reason)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
}

// Retryable reports whether the status indicates a server-side or
// throttling condition.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// ItemError is one rejected document in a bulk response.
type ItemError struct {
	ID     string
	Status int
	Type   string
	Reason string
}

// BulkError reports a bulk request in which at least one item failed. The
// whole sub-batch is considered failed.
type BulkError struct {
	Index string
	Total int
	Items []ItemError
}

func (e *BulkError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "bulk load into %s: %d of %d documents failed", e.Index, len(e.Items), e.Total)
	if len(e.Items) > 0 {
		first := e.Items[0]
		fmt.Fprintf(&b, " (first: %s: %s: %s)", first.ID, first.Type, first.Reason)
	}
	return b.String()
}

// FailedIDs returns the ids of the rejected documents.
func (e *BulkError) FailedIDs() []string {
	ids := make([]string, len(e.Items))
	for i, it := range e.Items {
		ids[i] = it.ID
	}
	return ids
}
