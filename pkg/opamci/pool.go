package opamci

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// BuildPool is a bounded set of execution slots for one builder.
// Slots are granted in request order; semaphore.Weighted queues waiters
// FIFO which is all the fairness we promise.
type BuildPool struct {
	builder string
	sem     *semaphore.Weighted
}

// NewBuildPool creates a pool with the given number of slots.
func NewBuildPool(builder string, slots int64) *BuildPool {
	if slots <= 0 {
		slots = 1
	}
	return &BuildPool{
		builder: builder,
		sem:     semaphore.NewWeighted(slots),
	}
}

// Builder returns the builder label this pool gates.
func (p *BuildPool) Builder() string { return p.builder }

// Acquire blocks until a slot is free or the context is done.
// All callers must release the slot using Release.
func (p *BuildPool) Acquire(ctx context.Context) error {
	return p.sem.Acquire(ctx, 1)
}

// Release returns a previously acquired slot.
func (p *BuildPool) Release() {
	p.sem.Release(1)
}

// Run executes fn while holding a pool slot, bounded by timeout.
// Exceeding the timeout cancels fn and yields a timeout-classified
// failure; cancellation of the surrounding context yields a
// cancelled-classified one.
func (p *BuildPool) Run(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if err := p.Acquire(ctx); err != nil {
		return classifyCtxErr(ctx, err)
	}
	defer p.Release()

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := fn(runCtx)
	if err == nil {
		return nil
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		log.WithFields(log.Fields{"builder": p.builder, "timeout": timeout}).Warn("build timed out")
		return &ExecError{Class: FailureTimeout, Message: fmt.Sprintf("build timed out after %s", timeout)}
	}
	if ctx.Err() != nil {
		return &ExecError{Class: FailureCancelled, Message: "build cancelled"}
	}
	return err
}

func classifyCtxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return &ExecError{Class: FailureCancelled, Message: "build cancelled"}
	}
	return err
}
