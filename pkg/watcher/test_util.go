package watcher

import (
	"context"
	"errors"
	"sync"

	pb "github.com/linkerd/linkerd2-proxy-api/go/destination"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ProfileUpdate is one scripted Recv result for a MockProfileStream.
type ProfileUpdate struct {
	Profile *pb.DestinationProfile
	Err     error
}

// MockProfileStream implements pb.Destination_GetProfileClient with a
// scripted sequence of updates.
type MockProfileStream struct {
	ctx     context.Context
	updates chan ProfileUpdate
}

// NewMockProfileStream returns a stream that yields whatever is sent
// into it.
func NewMockProfileStream() *MockProfileStream {
	return &MockProfileStream{
		ctx:     context.Background(),
		updates: make(chan ProfileUpdate, 10),
	}
}

// Send scripts the next Recv result.
func (s *MockProfileStream) Send(update ProfileUpdate) {
	s.updates <- update
}

func (s *MockProfileStream) Recv() (*pb.DestinationProfile, error) {
	select {
	case update := <-s.updates:
		return update.Profile, update.Err
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

func (s *MockProfileStream) Header() (metadata.MD, error) { return nil, nil }
func (s *MockProfileStream) Trailer() metadata.MD         { return nil }
func (s *MockProfileStream) CloseSend() error             { return nil }
func (s *MockProfileStream) Context() context.Context     { return s.ctx }
func (s *MockProfileStream) SendMsg(interface{}) error    { return nil }
func (s *MockProfileStream) RecvMsg(interface{}) error    { return nil }

// MockDestinationClient hands out scripted profile streams in order.
// When no stream is scripted, GetProfile fails with Unavailable, which
// sends the caller into backoff.
type MockDestinationClient struct {
	mu      sync.Mutex
	streams []*MockProfileStream
}

// Enqueue scripts the stream returned by the next GetProfile call.
func (m *MockDestinationClient) Enqueue(stream *MockProfileStream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams = append(m.streams, stream)
}

func (m *MockDestinationClient) GetProfile(ctx context.Context, req *pb.GetDestination, _ ...grpc.CallOption) (pb.Destination_GetProfileClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		return nil, status.Error(codes.Unavailable, "no stream scripted")
	}
	stream := m.streams[0]
	m.streams = m.streams[1:]
	stream.ctx = ctx
	return stream, nil
}

func (m *MockDestinationClient) Get(ctx context.Context, req *pb.GetDestination, _ ...grpc.CallOption) (pb.Destination_GetClient, error) {
	return nil, errors.New("not implemented")
}
