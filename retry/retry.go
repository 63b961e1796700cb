// Package retry centralizes error classification and bounded retry with
// backoff. Every component performing an external call (reasoning service,
// tool execution, pipeline stages) consults the same policy table, so retry
// behavior is uniform and independently testable.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/hupe1980/agentrelay/logging"
)

// Class categorizes a failure for retry purposes.
type Class string

const (
	// ClassValidation covers malformed input. Never retried; retrying a
	// malformed request cannot succeed.
	ClassValidation Class = "validation"
	// ClassToolExecution covers a tool that ran but failed.
	ClassToolExecution Class = "tool-execution"
	// ClassTimeout covers deadline-exceeded transport failures.
	ClassTimeout Class = "timeout"
	// ClassRateLimit covers provider throttling.
	ClassRateLimit Class = "rate-limit"
	// ClassReasoning covers failures of the reasoning service itself.
	ClassReasoning Class = "reasoning-service"
)

// Classified is implemented by domain errors that know their own retry class.
type Classified interface {
	error
	RetryClass() Class
}

// Plan describes how many retries a class gets and the wait before each one.
type Plan struct {
	MaxRetries int
	Backoff    []time.Duration
}

// plans is the single policy table consulted by every caller.
var plans = map[Class]Plan{
	ClassValidation:    {MaxRetries: 0},
	ClassToolExecution: {MaxRetries: 3, Backoff: []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}},
	ClassTimeout:       {MaxRetries: 2, Backoff: []time.Duration{5 * time.Second, 10 * time.Second}},
	ClassRateLimit:     {MaxRetries: 3, Backoff: []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second}},
	ClassReasoning:     {MaxRetries: 2, Backoff: []time.Duration{2 * time.Second, 4 * time.Second}},
}

// PlanFor returns the retry plan for a class. Unknown classes get no retries.
func PlanFor(c Class) Plan {
	if p, ok := plans[c]; ok {
		return p
	}
	return Plan{}
}

// Classify maps an error to its Class. Classification is deterministic:
// the same error always yields the same class.
//
// Precedence: a Classified error speaks for itself; context deadline errors
// are timeouts; everything else is attributed to the reasoning service, the
// only unclassified external dependency.
func Classify(err error) Class {
	var classified Classified
	if errors.As(err, &classified) {
		return classified.RetryClass()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	return ClassReasoning
}

// Options configures a Policy.
type Options struct {
	// Sleep waits for d or until ctx is cancelled. Overridable in tests to
	// avoid real waits. Defaults to a context-aware timer sleep.
	Sleep func(ctx context.Context, d time.Duration) error
	// Logger records retry attempts. Defaults to NoOp.
	Logger logging.Logger
}

// Policy executes operations under the class-based retry table.
// A Policy is immutable after construction and safe for concurrent use.
type Policy struct {
	sleep  func(ctx context.Context, d time.Duration) error
	logger logging.Logger
}

// NewPolicy constructs a Policy with optional overrides.
func NewPolicy(optFns ...func(o *Options)) *Policy {
	opts := Options{
		Sleep:  sleepContext,
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Policy{sleep: opts.Sleep, logger: opts.Logger}
}

// Do runs fn, retrying per the policy table for the class of the first
// error observed. Validation errors and context cancellation propagate
// immediately. The returned error is the last attempt's error.
func (p *Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	class := Classify(err)
	plan := PlanFor(class)
	if plan.MaxRetries == 0 {
		return err
	}

	for attempt := 0; attempt < plan.MaxRetries; attempt++ {
		wait := plan.Backoff[min(attempt, len(plan.Backoff)-1)]
		p.logger.Warn("retry.backoff", "op", op, "class", string(class), "attempt", attempt+1, "wait", wait.String(), "error", err.Error())
		if sleepErr := p.sleep(ctx, wait); sleepErr != nil {
			return err
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		// A reclassification to validation means further attempts are pointless.
		if Classify(err) == ClassValidation {
			return err
		}
	}

	p.logger.Error("retry.exhausted", "op", op, "class", string(class), "retries", plan.MaxRetries, "error", err.Error())

	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
