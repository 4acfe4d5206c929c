package browser

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ResultTag is the first argument of the console message carrying the agent's result.
const ResultTag = "_extractedcss"

// AgentResult is the structured payload emitted by the extraction agent.
type AgentResult struct {
	CSS string `json:"css"`
}

// Future receives the agent's result exactly once.
type Future struct {
	tag   string
	armed atomic.Bool
	once  sync.Once
	done  chan struct{}
	res   AgentResult
	err   error
}

func NewFuture(tag string) *Future {
	return &Future{tag: tag, done: make(chan struct{})}
}

// Arm starts accepting messages. Messages seen earlier are ignored.
func (f *Future) Arm() {
	f.armed.Store(true)
}

// Matches reports whether a console message with argc arguments and the given first argument
// carries the result.
func (f *Future) Matches(argc int, first string) bool {
	return f.armed.Load() && argc == 2 && first == f.tag
}

// Resolve completes the future. Later calls are no-ops.
func (f *Future) Resolve(res AgentResult, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.res, f.err = res, err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Await blocks until the future resolves or ctx ends. A deadline is reported as ErrTimeout, any
// other cancellation as its cause.
func (f *Future) Await(ctx context.Context) (AgentResult, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return AgentResult{}, contextError(ctx)
	}
}

func contextError(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, context.DeadlineExceeded) {
		return ErrTimeout
	}
	if cause != nil {
		return cause
	}
	return ctx.Err()
}
