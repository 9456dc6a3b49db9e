// Package saga implements the saga coordinator: step execution,
// compensation, locking, idempotency, and persisted state transitions
// for distributed operations spanning the metadata store, content
// repository, working-tree filesystem, and search index. Its step/
// definition shape is grounded on the orchestration saga manager found
// in the retrieval pack (SagaDefinition/SagaStepDefinition), trimmed to
// the fields this coordinator actually needs and re-targeted at the
// four concrete sagas in the sagas package.
package saga

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// criticalSubstrings names step-name fragments that make a step
// "critical": a compensation failure on such a step marks the overall
// compensation outcome as failed rather than partial.
var criticalSubstrings = []string{"git", "commit", "publish", "move", "delete"}

// IsCritical reports whether name contains any critical substring,
// case-insensitively.
func IsCritical(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range criticalSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// Step is one unit of saga work.
type Step struct {
	Name            string
	IsCompensatable bool
	Timeout         time.Duration
	Execute         func(ctx context.Context, sc *Context) (result interface{}, err error)
	Compensate      func(ctx context.Context, sc *Context, result interface{}) error
}

// ContextValidator checks a saga's starting context before any state is
// written.
type ContextValidator func(context map[string]interface{}) error

// Definition is an ordered list of steps plus saga-level metadata.
type Definition struct {
	Type      string
	Version   string
	Steps     []Step
	Validate  ContextValidator
	Timeout   time.Duration // overall saga timeout, defaults to coordinator default
}

// Context carries the mutable scope threaded through a saga's steps: the
// caller-supplied starting values plus whatever earlier steps choose to
// stash under their own keys (e.g. "original_record" for compensation).
type Context struct {
	Values map[string]interface{}
}

// Get returns Values[key].
func (c *Context) Get(key string) interface{} { return c.Values[key] }

// Set stores value under key.
func (c *Context) Set(key string, value interface{}) { c.Values[key] = value }

// StringValue returns Values[key] as a string, or "" if absent/wrong type.
func (c *Context) StringValue(key string) string {
	s, _ := c.Values[key].(string)
	return s
}

// ContextError is raised when a saga's context validator rejects the
// starting context. No state is written for this error.
type ContextError struct {
	SagaType string
	Reason   string
}

func (e *ContextError) Error() string {
	return fmt.Sprintf("invalid context for saga %q: %s", e.SagaType, e.Reason)
}

// StepError records a step's execution failure.
type StepError struct {
	StepName string
	Err      error
}

func (e *StepError) Error() string { return fmt.Sprintf("step %q failed: %v", e.StepName, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

// TimeoutError records a step or saga exceeding its allotted time.
type TimeoutError struct {
	StepName string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step %q exceeded timeout of %s", e.StepName, e.Timeout)
}

// UncompensatableFailureError wraps a failure that occurred at or after
// the first non-compensatable step: row and file changes may have been
// rolled back, but an irreversible action (typically the git commit)
// already happened.
type UncompensatableFailureError struct {
	SagaType string
	Err      error
}

func (e *UncompensatableFailureError) Error() string {
	return fmt.Sprintf("saga %q failed after an uncompensatable step: %v", e.SagaType, e.Err)
}
func (e *UncompensatableFailureError) Unwrap() error { return e.Err }

// resourceKey derives the lock key for a saga's context, per the
// record:<id>/draft:<id> convention. Returns "" when neither is present.
func resourceKey(values map[string]interface{}) string {
	if v, ok := values["recordId"].(string); ok && v != "" {
		return "record:" + v
	}
	if v, ok := values["draftId"].(string); ok && v != "" {
		return "draft:" + v
	}
	return ""
}
