// Package outbound binds published route policy to the request path.
// It selects per-request configuration from the current snapshot and
// drives the bounded retry loop around an external call function; it
// performs no I/O of its own.
package outbound

import (
	"context"
	"sync"
	"time"

	"github.com/meshproxy/routepolicy/pkg/policy"
	"github.com/meshproxy/routepolicy/pkg/retry"
	"github.com/meshproxy/routepolicy/pkg/snapshot"
	"github.com/meshproxy/routepolicy/pkg/watcher"
)

// Response is the transport-level result of one attempt.
type Response struct {
	Status uint32
}

// UnaryFunc performs one attempt of a request. It is implemented by
// the underlying transport or pipeline executor.
type UnaryFunc func(ctx context.Context, req policy.Request) (Response, error)

// Config is the effective per-request policy selected for one request.
// It stays fixed for the request's whole lifetime, including retries,
// even if a new table is published mid-request.
type Config struct {
	Route      *policy.Route
	Timeout    time.Duration
	Retryable  bool
	Budget     *retry.Budget
	Generation uint64
}

// Outbound is the per-destination factory handed to the request
// pipeline. It holds the destination's subscription open for as long
// as it exists.
type Outbound struct {
	dest     string
	cell     *snapshot.Cell
	registry *watcher.Registry

	closeOnce sync.Once
}

// New subscribes to dest's profile and returns a factory for its
// per-request configuration. Close must be called when the destination
// is no longer in use.
func New(registry *watcher.Registry, dest string) *Outbound {
	return &Outbound{
		dest:     dest,
		cell:     registry.Subscribe(dest),
		registry: registry,
	}
}

// Close releases the destination subscription. Requests already
// prepared keep their configuration.
func (o *Outbound) Close() {
	o.closeOnce.Do(func() {
		o.registry.Release(o.dest)
	})
}

// Prepare reads the current snapshot, matches the route, and returns
// the request's effective configuration. It never blocks.
func (o *Outbound) Prepare(req policy.Request) Config {
	snap := o.cell.Current()
	route := snap.Table.Match(req)
	return Config{
		Route:      route,
		Timeout:    route.Timeout,
		Retryable:  route.Retryable,
		Budget:     snap.Budget,
		Generation: snap.Generation,
	}
}

// Call prepares the request and drives it through the retry loop.
func (o *Outbound) Call(ctx context.Context, req policy.Request, next UnaryFunc) (Response, error) {
	return Call(ctx, o.Prepare(req), req, next)
}

// Call runs req through next until an attempt classifies as terminal or
// the retry budget denies another attempt. The route's timeout applies
// per attempt, not cumulatively. The last attempt's result is returned
// unchanged when retries are exhausted.
func Call(ctx context.Context, cfg Config, req policy.Request, next UnaryFunc) (Response, error) {
	for {
		cfg.Budget.Record()
		rsp, err := attempt(ctx, cfg.Timeout, req, next)

		switch cfg.Route.Classify(rsp.Status, err) {
		case policy.Success, policy.Failure:
			return rsp, err
		}

		if !cfg.Retryable || ctx.Err() != nil {
			return rsp, err
		}
		if !cfg.Budget.Withdraw() {
			// Budget exhausted is a policy decision, not an error: the
			// caller sees the last real attempt's outcome.
			return rsp, err
		}
	}
}

func attempt(ctx context.Context, timeout time.Duration, req policy.Request, next UnaryFunc) (Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return next(ctx, req)
}
