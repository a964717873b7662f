// Package worker provides isolated, timeout-bounded invocation of pipeline
// stage handlers, gated by global and per-stage semaphores.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/pipelineflow/pipelineflow/pkg/pipelineerr"
)

// Handler executes a single stage's transform. Implementations decide how
// isolation is achieved; the pool is only responsible for admission,
// timeouts, and bookkeeping around the call.
type Handler interface {
	Invoke(ctx context.Context, value any) (any, error)
}

// InlineFunc adapts a plain Go function into a Handler. The pool runs it on
// a dedicated goroutine and converts a panic into a *pipelineerr.Error
// instead of crashing the process.
type InlineFunc func(ctx context.Context, value any) (any, error)

// inlineHandler wraps an InlineFunc to satisfy Handler with goroutine
// isolation and panic recovery.
type inlineHandler struct {
	fn InlineFunc
}

// NewInlineHandler builds a Handler from a plain function, matching the
// in-process isolation model used for handlers that are Go code registered
// directly with the pool.
func NewInlineHandler(fn InlineFunc) Handler {
	return &inlineHandler{fn: fn}
}

func (h *inlineHandler) Invoke(ctx context.Context, value any) (any, error) {
	type outcome struct {
		val any
		err error
	}
	resultCh := make(chan outcome, 1)

	go func() {
		var result outcome
		defer func() {
			if r := recover(); r != nil {
				result = outcome{err: pipelineerr.ErrWorkerPanic.WithCause(fmt.Errorf("%v", r))}
			}
			resultCh <- result
		}()
		v, err := h.fn(ctx, value)
		result = outcome{val: v, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, pipelineerr.ErrWorkerTimeout.WithCause(ctx.Err())
	case res := <-resultCh:
		return res.val, res.err
	}
}

// ArtifactHandler dispatches to an external executable identified by a
// filesystem path, giving it real OS-process isolation. The value is
// marshaled to JSON on the subprocess's stdin; the subprocess must write
// either a JSON result value or {"error": "message"} to stdout.
type ArtifactHandler struct {
	Path string
	Args []string
}

// NewArtifactHandler builds a Handler that execs the artifact at path for
// every invocation.
func NewArtifactHandler(path string, args ...string) Handler {
	return &ArtifactHandler{Path: path, Args: args}
}

type artifactEnvelope struct {
	Error string `json:"error,omitempty"`
}

func (h *ArtifactHandler) Invoke(ctx context.Context, value any) (any, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, pipelineerr.New(pipelineerr.KindHandlerFailed, "could not marshal handler input").WithCause(err)
	}

	cmd := exec.CommandContext(ctx, h.Path, h.Args...)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, pipelineerr.ErrWorkerTimeout.WithCause(ctx.Err())
	}
	if runErr != nil {
		return nil, pipelineerr.ErrWorkerAbort.WithCause(fmt.Errorf("%w: %s", runErr, stderr.String()))
	}

	var result any
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, pipelineerr.New(pipelineerr.KindHandlerFailed, "could not parse handler output").WithCause(err)
	}
	var env artifactEnvelope
	if json.Unmarshal(stdout.Bytes(), &env) == nil && env.Error != "" {
		return nil, pipelineerr.New(pipelineerr.KindHandlerFailed, env.Error)
	}
	return result, nil
}
