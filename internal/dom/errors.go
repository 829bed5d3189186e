package dom

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel targets for errors.Is checks across packages. The typed errors
// below all unwrap to one of these.
var (
	ErrExtraction = errors.New("dom: extraction failed")
	ErrTimeout    = errors.New("dom: operation timed out")
	ErrNotFound   = errors.New("dom: element not found")
	ErrStale      = errors.New("dom: element is stale or detached")
)

// ExtractionError reports a malformed or incomplete payload from the in-page
// extraction collaborator. It is never retried: the payload contract is
// assumed stable, so a violation is a programming error on one side.
type ExtractionError struct {
	Reason string
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extraction: %s: %v", e.Reason, e.Err)
	}
	return "extraction: " + e.Reason
}

func (e *ExtractionError) Unwrap() error { return ErrExtraction }

// TimeoutError reports an extraction or locate call exceeding its budget.
// Locate timeouts carry the target's highlight index and xpath; extraction
// covers the whole page, so those stay empty there.
type TimeoutError struct {
	Op     string
	Index  int
	XPath  string
	Budget time.Duration
	Err    error
}

func (e *TimeoutError) Error() string {
	op := e.Op
	if e.XPath != "" {
		op = fmt.Sprintf("%s element [%d] %q", e.Op, e.Index, e.XPath)
	}
	if e.Budget <= 0 {
		return fmt.Sprintf("%s timed out: %v", op, e.Err)
	}
	return fmt.Sprintf("%s exceeded %v budget: %v", op, e.Budget, e.Err)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// NotFoundError reports that no locator strategy resolved the element, or
// that an iframe ancestor was unreachable. Strategies lists what was tried,
// in order, for diagnosability.
type NotFoundError struct {
	Index      int
	XPath      string
	Strategies []string
	Reason     string
}

func (e *NotFoundError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "element [%d] %q not found", e.Index, e.XPath)
	if e.Reason != "" {
		sb.WriteString(": " + e.Reason)
	}
	if len(e.Strategies) > 0 {
		fmt.Fprintf(&sb, " (tried %s)", strings.Join(e.Strategies, ", "))
	}
	return sb.String()
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// StaleElementError reports a handle that detached between resolution and
// use. The locator retries the resolution once before surfacing this.
type StaleElementError struct {
	Index int
	XPath string
}

func (e *StaleElementError) Error() string {
	return fmt.Sprintf("element [%d] %q became stale before use", e.Index, e.XPath)
}

func (e *StaleElementError) Unwrap() error { return ErrStale }

// HighlightOf returns the node's highlight index for error construction,
// or -1 when the node was never indexed.
func HighlightOf(e *ElementNode) int {
	if e == nil || e.HighlightIndex == nil {
		return -1
	}
	return *e.HighlightIndex
}
