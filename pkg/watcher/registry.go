package watcher

import (
	"sync"
	"time"

	pb "github.com/linkerd/linkerd2-proxy-api/go/destination"
	logging "github.com/sirupsen/logrus"

	"github.com/meshproxy/routepolicy/pkg/snapshot"
)

// Registry owns one Watch per destination in active use. Subscribers
// share a destination's watch; when the last subscriber releases it,
// the watch is stopped after an idle grace period. Stopping a watch
// never disturbs snapshots already handed out to in-flight requests.
type Registry struct {
	client      pb.DestinationClient
	scheme      string
	idleTimeout time.Duration

	watches   map[string]*watchEntry
	watchesMu sync.RWMutex // This mutex protects modification of the map itself.

	log *logging.Entry
}

type watchEntry struct {
	watch       *Watch
	subscribers int
	idleTimer   *time.Timer
}

// NewRegistry builds a registry over the given destination client.
// idleTimeout is how long an unreferenced destination's watch is kept
// alive before eviction; zero evicts immediately.
func NewRegistry(client pb.DestinationClient, idleTimeout time.Duration, log *logging.Entry) *Registry {
	return &Registry{
		client:      client,
		scheme:      "http",
		idleTimeout: idleTimeout,
		watches:     make(map[string]*watchEntry),
		log:         log.WithField("component", "profile-registry"),
	}
}

// Subscribe returns the snapshot cell for dest, starting a watch if the
// destination is not already being watched. Every Subscribe must be
// paired with a Release.
func (r *Registry) Subscribe(dest string) *snapshot.Cell {
	r.watchesMu.Lock()
	defer r.watchesMu.Unlock()

	entry, ok := r.watches[dest]
	if !ok {
		r.log.Infof("Establishing watch on profile %s", dest)
		entry = &watchEntry{
			watch: newWatch(r.scheme, dest, r.client, r.log),
		}
		r.watches[dest] = entry
	}
	if entry.idleTimer != nil {
		entry.idleTimer.Stop()
		entry.idleTimer = nil
	}
	entry.subscribers++
	return entry.watch.Cell()
}

// Release drops one subscription to dest. When the last subscription
// is gone the destination becomes idle and its watch is scheduled for
// eviction.
func (r *Registry) Release(dest string) {
	r.watchesMu.Lock()
	entry, ok := r.watches[dest]
	if !ok {
		r.watchesMu.Unlock()
		return
	}
	entry.subscribers--
	if entry.subscribers > 0 {
		r.watchesMu.Unlock()
		return
	}
	if r.idleTimeout > 0 {
		entry.idleTimer = time.AfterFunc(r.idleTimeout, func() { r.evict(dest) })
		r.watchesMu.Unlock()
		return
	}
	delete(r.watches, dest)
	r.watchesMu.Unlock()
	entry.watch.stop()
}

func (r *Registry) evict(dest string) {
	r.watchesMu.Lock()
	entry, ok := r.watches[dest]
	if !ok || entry.subscribers > 0 {
		r.watchesMu.Unlock()
		return
	}
	delete(r.watches, dest)
	r.watchesMu.Unlock()

	r.log.Infof("Stopping watch on profile %s", dest)
	entry.watch.stop()
}

// Close stops every watch. In-flight requests holding snapshots are
// unaffected.
func (r *Registry) Close() {
	r.watchesMu.Lock()
	entries := make([]*watchEntry, 0, len(r.watches))
	for _, entry := range r.watches {
		if entry.idleTimer != nil {
			entry.idleTimer.Stop()
		}
		entries = append(entries, entry)
	}
	r.watches = make(map[string]*watchEntry)
	r.watchesMu.Unlock()

	for _, entry := range entries {
		entry.watch.stop()
	}
}
