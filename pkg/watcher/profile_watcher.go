// Package watcher maintains a profile subscription per destination,
// compiling each document received from the control plane and
// publishing the result for the request path to read.
package watcher

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	pb "github.com/linkerd/linkerd2-proxy-api/go/destination"
	logging "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/meshproxy/routepolicy/pkg/policy"
	"github.com/meshproxy/routepolicy/pkg/snapshot"
)

const (
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 10 * time.Second
)

// Watch drives one destination's profile stream from a background
// goroutine. Stream failures put the watch into backoff and are
// invisible to the request path: the previously published snapshot
// keeps serving until a new document arrives.
type Watch struct {
	scheme string
	dest   string
	client pb.DestinationClient
	cell   *snapshot.Cell

	// last is the most recent document published; only the run
	// goroutine touches it.
	last *pb.DestinationProfile

	cancel context.CancelFunc
	done   chan struct{}

	log *logging.Entry
}

func newWatch(scheme, dest string, client pb.DestinationClient, log *logging.Entry) *Watch {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watch{
		scheme: scheme,
		dest:   dest,
		client: client,
		cell:   snapshot.NewCell(),
		cancel: cancel,
		done:   make(chan struct{}),
		log:    log.WithField("dest", dest),
	}
	go w.run(ctx)
	return w
}

// Cell returns the snapshot cell this watch publishes into. It is
// valid for the life of the process; a stopped watch simply stops
// updating it.
func (w *Watch) Cell() *snapshot.Cell {
	return w.cell
}

// Done is closed when the background goroutine has exited.
func (w *Watch) Done() <-chan struct{} {
	return w.done
}

func (w *Watch) stop() {
	w.cancel()
	<-w.done
}

func (w *Watch) run(ctx context.Context) {
	defer close(w.done)
	activeWatches.Inc()
	defer activeWatches.Dec()

	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = initialBackoff
	boff.MaxInterval = maxBackoff

	for {
		stream, err := w.client.GetProfile(ctx, &pb.GetDestination{
			Scheme: w.scheme,
			Path:   w.dest,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warnf("Failed to establish profile stream: %s", err)
			profileStreamResets.Inc()
			if !sleep(ctx, boff.NextBackOff()) {
				return
			}
			continue
		}
		boff.Reset()

		if !w.recv(ctx, stream) {
			return
		}
		if !sleep(ctx, boff.NextBackOff()) {
			return
		}
	}
}

// recv consumes the stream until it fails, reporting whether the watch
// should reconnect.
func (w *Watch) recv(ctx context.Context, stream pb.Destination_GetProfileClient) bool {
	for {
		profile, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			if status.Code(err) == codes.InvalidArgument {
				// The control plane will never serve a profile for this
				// name. Fall back to the empty table and stop asking.
				w.log.Debugf("Profile lookup rejected: %s", err)
				w.last = nil
				w.cell.Publish(policy.EmptyTable())
				return false
			}
			if errors.Is(err, io.EOF) {
				w.log.Debugf("Profile stream ended; reconnecting")
			} else {
				w.log.Warnf("Profile stream errored: %s", err)
			}
			profileStreamResets.Inc()
			return true
		}
		w.update(profile)
	}
}

func (w *Watch) update(profile *pb.DestinationProfile) {
	if proto.Equal(profile, w.last) {
		w.log.Debugf("Ignoring redundant profile update")
		return
	}
	table, err := policy.Compile(profile)
	if err != nil {
		// Reject the bad document; the current snapshot keeps serving.
		w.log.Errorf("Discarding invalid profile update: %s", err)
		profileCompileErrors.Inc()
		return
	}
	w.last = profile
	snap := w.cell.Publish(table)
	profileUpdates.Inc()
	w.log.Debugf("Published route table generation %d with %d routes", snap.Generation, len(table.Routes()))
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
