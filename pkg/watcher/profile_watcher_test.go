package watcher

import (
	"errors"
	"testing"
	"time"

	pb "github.com/linkerd/linkerd2-proxy-api/go/destination"
	logging "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/meshproxy/routepolicy/pkg/snapshot"
)

func makeProfile(patterns ...string) *pb.DestinationProfile {
	routes := make([]*pb.Route, 0, len(patterns))
	for _, pattern := range patterns {
		routes = append(routes, &pb.Route{
			Condition: &pb.RequestMatch{
				Match: &pb.RequestMatch_Path{
					Path: &pb.PathMatch{Regex: pattern},
				},
			},
		})
	}
	return &pb.DestinationProfile{Routes: routes}
}

func awaitGeneration(t *testing.T, cell *snapshot.Cell, generation uint64) *snapshot.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if snap := cell.Current(); snap.Generation >= generation {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for generation %d; at %d", generation, cell.Current().Generation)
	return nil
}

func testLog(t *testing.T) *logging.Entry {
	return logging.WithField("test", t.Name())
}

func TestWatchPublishesUpdates(t *testing.T) {
	client := &MockDestinationClient{}
	stream := NewMockProfileStream()
	client.Enqueue(stream)

	watch := newWatch("http", "books.ns.svc.cluster.local", client, testLog(t))
	defer watch.stop()

	stream.Send(ProfileUpdate{Profile: makeProfile("/a", "/b", "/c")})
	snap := awaitGeneration(t, watch.Cell(), 1)
	if len(snap.Table.Routes()) != 3 {
		t.Fatalf("Expected 3 routes, got %d", len(snap.Table.Routes()))
	}

	stream.Send(ProfileUpdate{Profile: makeProfile("/d")})
	snap = awaitGeneration(t, watch.Cell(), 2)
	if len(snap.Table.Routes()) != 1 {
		t.Fatalf("Expected 1 route, got %d", len(snap.Table.Routes()))
	}
}

// A dropped stream leaves the last published table serving until the
// subscription recovers and delivers a new document.
func TestWatchStreamFailure(t *testing.T) {
	client := &MockDestinationClient{}
	first := NewMockProfileStream()
	client.Enqueue(first)

	watch := newWatch("http", "books.ns.svc.cluster.local", client, testLog(t))
	defer watch.stop()

	first.Send(ProfileUpdate{Profile: makeProfile("/a", "/b", "/c")})
	awaitGeneration(t, watch.Cell(), 1)

	first.Send(ProfileUpdate{Err: errors.New("stream reset by peer")})

	// During the outage every request keeps observing the pre-outage
	// table unchanged.
	for i := 0; i < 100; i++ {
		snap := watch.Cell().Current()
		if snap.Generation != 1 {
			t.Fatalf("Expected generation 1 during the outage, got %d", snap.Generation)
		}
		if len(snap.Table.Routes()) != 3 {
			t.Fatalf("Expected the 3-route table during the outage, got %d routes", len(snap.Table.Routes()))
		}
	}

	second := NewMockProfileStream()
	second.Send(ProfileUpdate{Profile: makeProfile("/d")})
	client.Enqueue(second)

	snap := awaitGeneration(t, watch.Cell(), 2)
	if len(snap.Table.Routes()) != 1 {
		t.Fatalf("Expected the recovered table to have 1 route, got %d", len(snap.Table.Routes()))
	}
}

// A document that fails to compile is discarded; the previous table
// keeps serving.
func TestWatchInvalidDocument(t *testing.T) {
	client := &MockDestinationClient{}
	stream := NewMockProfileStream()
	client.Enqueue(stream)

	watch := newWatch("http", "books.ns.svc.cluster.local", client, testLog(t))
	defer watch.stop()

	stream.Send(ProfileUpdate{Profile: makeProfile("/books/[")})
	stream.Send(ProfileUpdate{Profile: makeProfile("/ok")})

	snap := awaitGeneration(t, watch.Cell(), 1)
	if snap.Generation != 1 {
		t.Fatalf("Expected the bad document to be skipped, got generation %d", snap.Generation)
	}
	if len(snap.Table.Routes()) != 1 {
		t.Fatalf("Expected only the valid document to publish, got %d routes", len(snap.Table.Routes()))
	}
}

// Consecutive identical documents do not publish new generations.
func TestWatchRedundantUpdates(t *testing.T) {
	client := &MockDestinationClient{}
	stream := NewMockProfileStream()
	client.Enqueue(stream)

	watch := newWatch("http", "books.ns.svc.cluster.local", client, testLog(t))
	defer watch.stop()

	stream.Send(ProfileUpdate{Profile: makeProfile("/a")})
	stream.Send(ProfileUpdate{Profile: makeProfile("/a")})
	stream.Send(ProfileUpdate{Profile: makeProfile("/a", "/b")})

	snap := awaitGeneration(t, watch.Cell(), 2)
	if snap.Generation != 2 {
		t.Fatalf("Expected the duplicate to be suppressed, got generation %d", snap.Generation)
	}
	if len(snap.Table.Routes()) != 2 {
		t.Fatalf("Expected 2 routes, got %d", len(snap.Table.Routes()))
	}
}

// InvalidArgument means the name will never resolve: fall back to the
// empty table and stop reconnecting.
func TestWatchInvalidArgument(t *testing.T) {
	client := &MockDestinationClient{}
	stream := NewMockProfileStream()
	client.Enqueue(stream)

	watch := newWatch("http", "external.example.com", client, testLog(t))

	stream.Send(ProfileUpdate{Profile: makeProfile("/a")})
	awaitGeneration(t, watch.Cell(), 1)

	stream.Send(ProfileUpdate{Err: status.Error(codes.InvalidArgument, "unresolvable name")})

	snap := awaitGeneration(t, watch.Cell(), 2)
	if len(snap.Table.Routes()) != 0 {
		t.Fatalf("Expected the empty table, got %d routes", len(snap.Table.Routes()))
	}

	select {
	case <-watch.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Expected the watch to stop after InvalidArgument")
	}
}

func TestRegistrySharesWatches(t *testing.T) {
	client := &MockDestinationClient{}
	stream := NewMockProfileStream()
	client.Enqueue(stream)

	registry := NewRegistry(client, 0, testLog(t))
	defer registry.Close()

	first := registry.Subscribe("books.ns.svc.cluster.local")
	second := registry.Subscribe("books.ns.svc.cluster.local")
	if first != second {
		t.Fatal("Expected subscribers to share one watch per destination")
	}

	stream.Send(ProfileUpdate{Profile: makeProfile("/a")})
	awaitGeneration(t, first, 1)

	// One release leaves the watch running for the other subscriber.
	registry.Release("books.ns.svc.cluster.local")
	if snap := first.Current(); snap.Generation != 1 {
		t.Fatalf("Expected the watch to survive a partial release, got generation %d", snap.Generation)
	}

	registry.Release("books.ns.svc.cluster.local")

	// A fresh subscription after full release starts a new watch.
	replacement := registry.Subscribe("books.ns.svc.cluster.local")
	defer registry.Release("books.ns.svc.cluster.local")
	if replacement == first {
		t.Fatal("Expected a fresh watch after the destination went idle")
	}
	if snap := replacement.Current(); snap.Generation != 0 {
		t.Fatalf("Expected the fresh watch to start at generation 0, got %d", snap.Generation)
	}

	// The snapshot handed out before eviction remains readable.
	if snap := first.Current(); len(snap.Table.Routes()) != 1 {
		t.Fatalf("Expected the evicted watch's snapshot to stay valid, got %d routes", len(snap.Table.Routes()))
	}
}

func TestRegistryIdleEviction(t *testing.T) {
	client := &MockDestinationClient{}
	registry := NewRegistry(client, 10*time.Millisecond, testLog(t))
	defer registry.Close()

	cell := registry.Subscribe("books.ns.svc.cluster.local")
	registry.Release("books.ns.svc.cluster.local")

	// Well past the idle grace period.
	time.Sleep(100 * time.Millisecond)

	replacement := registry.Subscribe("books.ns.svc.cluster.local")
	defer registry.Release("books.ns.svc.cluster.local")
	if replacement == cell {
		t.Fatal("Expected the idle watch to be evicted")
	}
}
