// Package executor runs the work a persona decided to take on. The
// scheduler only knows the Executor interface; the LLM or tool call behind
// it lives elsewhere.
package executor

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/daviddao/persona/pkg/model"
)

// ErrRejected is returned when the executor refuses the message outright.
// The scheduler treats it like any other failure.
var ErrRejected = errors.New("executor rejected message")

// Result is what came back from executing a message.
type Result struct {
	// Complexity in [0,1] scales the energy cost of the work. Zero when the
	// executor has no opinion.
	Complexity float64         `json:"complexity"`
	Output     json.RawMessage `json:"output,omitempty"`
}

// Executor performs the work for one message. Implementations must honour
// ctx: the scheduler cancels it when the execution timeout passes.
type Executor interface {
	Execute(ctx context.Context, msg model.Message) (Result, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, msg model.Message) (Result, error)

func (f Func) Execute(ctx context.Context, msg model.Message) (Result, error) {
	return f(ctx, msg)
}
