package batch

import (
	"fmt"

	"github.com/zombor/invoice-extractor/internal/extraction"
)

// State is where a document is in the extraction loop
type State int

const (
	StatePending State = iota
	StateRequesting
	StateRetryRequesting
	StateParsing
	StateFlattened
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRequesting:
		return "requesting"
	case StateRetryRequesting:
		return "retry_requesting"
	case StateParsing:
		return "parsing"
	case StateFlattened:
		return "flattened"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText lets states appear by name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// FailureKind classifies why a document was skipped
type FailureKind string

const (
	KindDocument    FailureKind = "document"    // payload rejected before any remote call
	KindAcquisition FailureKind = "acquisition" // no credential/model pair answered on retry
	KindTransport   FailureKind = "transport"   // remote call failed twice
	KindParse       FailureKind = "parse"       // reply was not a usable result
	KindCancelled   FailureKind = "cancelled"   // batch stopped before the document started
)

// DocumentError names the document a failure belongs to
type DocumentError struct {
	Document string
	Kind     FailureKind
	Attempts int
	Err      error
}

func (e *DocumentError) Error() string {
	return fmt.Sprintf("%s: %s failure after %d attempt(s): %v", e.Document, e.Kind, e.Attempts, e.Err)
}

func (e *DocumentError) Unwrap() error {
	return e.Err
}

// Outcome is the terminal state of one document
type Outcome struct {
	Document  string
	State     State
	Attempts  int
	Rows      int
	ModelName string
	Err       error
}

// Progress is reported once per document, whatever its outcome
type Progress struct {
	Completed int
	Total     int
	Outcome   Outcome
}

// ProgressFunc receives progress reports. Calls are serialized.
type ProgressFunc func(Progress)

// Status summarizes a whole batch
type Status string

const (
	StatusSuccess Status = "success" // at least one document produced rows
	StatusEmpty   Status = "empty"
)

// Result holds the rows of every successful document in upload order
type Result struct {
	Records  []extraction.FlatRecord
	Outcomes []Outcome
	Status   Status
}

// Errors returns the error of every document that did not produce rows
func (r *Result) Errors() []error {
	var errs []error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errs
}

// Succeeded counts documents that produced rows
func (r *Result) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.State == StateFlattened {
			n++
		}
	}
	return n
}
