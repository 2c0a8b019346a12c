// Package fetch owns the single outstanding plan request of a view.
//
// Issuing a new request cancels the previous one. A superseded request never
// runs its completion callback, so a slow response for an old date cannot
// overwrite what belongs to the newer one. Any other cancellation of the
// request's token settles it as Failed.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sw33tLie/plancache/pkg/planapi"
)

// Outcome is how a request settled.
type Outcome int

const (
	Pending Outcome = iota
	Succeeded
	Failed
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Request identifies one plan fetch.
type Request struct {
	APIBase  string
	SchoolID string
	Date     string
	Revision string
}

// Result is the settled value of a Future.
type Result struct {
	Outcome Outcome
	Plan    planapi.PlanResult
	// Err is a *planapi.NetworkFailure when Outcome is Failed, wrapping the
	// context error if the token was cancelled, and the context error when
	// Cancelled.
	Err error
}

// TokenSource derives the cancellation token for a new request.
type TokenSource func(parent context.Context) (context.Context, context.CancelFunc)

// Coordinator issues requests through a planapi.Fetcher, one at a time.
type Coordinator struct {
	fetcher planapi.Fetcher
	tokens  TokenSource

	mu      sync.Mutex
	current *Future
}

func NewCoordinator(f planapi.Fetcher, tokens TokenSource) *Coordinator {
	if tokens == nil {
		tokens = context.WithCancel
	}
	return &Coordinator{fetcher: f, tokens: tokens}
}

// Future is a cancellable handle on an issued request.
type Future struct {
	Request Request

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	superseded bool
	result     Result
}

// Issue starts req and returns its future. Any outstanding request is
// cancelled first. onComplete runs on the request's goroutine unless the
// request was superseded. Its ctx is the request token: it is cancelled as
// soon as a newer request is issued, so side effects bound to it stop too.
func (c *Coordinator) Issue(ctx context.Context, req Request, onComplete func(ctx context.Context, res Result)) *Future {
	c.mu.Lock()
	if c.current != nil {
		c.current.Cancel()
	}
	fctx, cancel := c.tokens(ctx)
	f := &Future{
		Request: req,
		ctx:     fctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.current = f
	c.mu.Unlock()

	go c.run(f, onComplete)
	return f
}

// Cancel cancels the outstanding request, if any.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.Cancel()
		c.current = nil
	}
}

// Outstanding reports whether a request is in flight.
func (c *Coordinator) Outstanding() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

func (c *Coordinator) run(f *Future, onComplete func(context.Context, Result)) {
	defer f.cancel()

	plan, err := c.fetcher.FetchRevision(f.ctx, f.Request.APIBase, f.Request.SchoolID, f.Request.Date, f.Request.Revision)

	var res Result
	switch {
	case f.isSuperseded():
		res = Result{Outcome: Cancelled, Err: context.Canceled}
		if cerr := f.ctx.Err(); cerr != nil {
			res.Err = cerr
		}
	case err == nil && f.ctx.Err() != nil:
		// The answer raced the token; the token wins.
		res = Result{Outcome: Failed, Err: asNetworkFailure(f.ctx.Err())}
	case err != nil:
		res = Result{Outcome: Failed, Err: asNetworkFailure(err)}
	default:
		res = Result{Outcome: Succeeded, Plan: plan}
	}

	f.mu.Lock()
	f.result = res
	f.mu.Unlock()

	// The request stays current while its callback runs, so a newer Issue
	// still cancels the callback's ctx.
	if res.Outcome != Cancelled && onComplete != nil {
		onComplete(f.ctx, res)
	}

	c.mu.Lock()
	if c.current == f {
		c.current = nil
	}
	c.mu.Unlock()
	close(f.done)
}

func asNetworkFailure(err error) error {
	var nf *planapi.NetworkFailure
	if errors.As(err, &nf) {
		return err
	}
	msg := err.Error()
	switch {
	case errors.Is(err, context.Canceled):
		msg = "request aborted"
	case errors.Is(err, context.DeadlineExceeded):
		msg = "request timed out"
	}
	return &planapi.NetworkFailure{Message: msg, Err: err}
}

// Cancel supersedes the request and aborts its transport. The future settles
// as Cancelled without running its callback.
func (f *Future) Cancel() {
	f.mu.Lock()
	f.superseded = true
	f.mu.Unlock()
	f.cancel()
}

func (f *Future) isSuperseded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.superseded
}

// Done is closed once the future has settled and its callback, if any, has
// returned.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future settles or ctx is done.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.Result(), nil
	case <-ctx.Done():
		return Result{Outcome: Pending}, ctx.Err()
	}
}

// Result returns the settled result, or a Pending one.
func (f *Future) Result() Result {
	select {
	case <-f.done:
	default:
		return Result{Outcome: Pending}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result
}
