package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/procevents/internal/events"
	"github.com/JakeFAU/procevents/internal/stream"
	"github.com/JakeFAU/procevents/internal/transport"
	"github.com/JakeFAU/procevents/internal/transport/memory"
)

const fixedMillis = 1700000000000

type fixedClock int64

func (c fixedClock) NowMillis() int64 { return int64(c) }

type frameRecorder struct {
	mu     sync.Mutex
	frames []string
}

func (r *frameRecorder) write(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, string(frame))
	return nil
}

func (r *frameRecorder) Frames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...)
}

func openConn(reg *stream.Registry, id, userID string) (*stream.Conn, *frameRecorder) {
	rec := &frameRecorder{}
	conn := stream.NewConn(id, userID, rec.write)
	reg.Register(conn)
	return conn, rec
}

func closeNotifier(t *testing.T, n *Notifier) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Close(ctx))
}

func TestPublishDeliversCompletedFrame(t *testing.T) {
	t.Parallel()

	reg := stream.NewRegistry(nil, nil)
	_, rec := openConn(reg, "c1", "u1")
	n := New(Config{Clock: fixedClock(fixedMillis)}, reg, nil, "instance-a")
	defer closeNotifier(t, n)

	n.Publish("u1", events.ProcessingEvent{
		Type:      events.TypeCompleted,
		AssetType: events.AssetPhoto,
		AssetID:   "p1",
	})

	require.Equal(t, []string{
		`data: {"type":"completed","userId":"u1","assetType":"photo","assetId":"p1","timestamp":1700000000000}` + "\n\n",
	}, rec.Frames())
}

func TestPublishWithoutConnectionsIsDropped(t *testing.T) {
	t.Parallel()

	reg := stream.NewRegistry(nil, nil)
	n := New(Config{}, reg, nil, "instance-a")
	defer closeNotifier(t, n)

	n.Publish("u2", events.ProcessingEvent{Type: events.TypeFailed, Error: "x"})

	_, rec := openConn(reg, "late", "u2")
	require.Empty(t, rec.Frames())
	require.Equal(t, 1, reg.Count("u2"))
}

func TestPublishDiscardsInvalidInput(t *testing.T) {
	t.Parallel()

	reg := stream.NewRegistry(nil, nil)
	_, rec := openConn(reg, "c1", "u1")
	pub := &transport.MockPublisher{}
	pub.On("Close").Return(nil).Once()
	n := New(Config{}, reg, pub, "instance-a")

	n.Publish("u1", events.ProcessingEvent{})
	n.Publish("", events.ProcessingEvent{Type: events.TypeQueued})

	closeNotifier(t, n)
	require.Empty(t, rec.Frames())
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	pub.AssertExpectations(t)
}

func TestPublishBroadcastsEnvelope(t *testing.T) {
	t.Parallel()

	reg := stream.NewRegistry(nil, nil)
	pub := &transport.MockPublisher{}
	want := `{"origin":"instance-a","event":{"type":"progress","userId":"u1","progress":0.5,"timestamp":1700000000000}}`
	pub.On("Publish", mock.Anything, "procevt_u_u1", mock.MatchedBy(func(p []byte) bool {
		return string(p) == want
	})).Return(nil).Once()
	pub.On("Close").Return(nil).Once()

	half := 0.5
	n := New(Config{Clock: fixedClock(fixedMillis)}, reg, pub, "instance-a")
	n.Publish("u1", events.ProcessingEvent{Type: events.TypeProgress, Progress: &half})

	closeNotifier(t, n)
	pub.AssertExpectations(t)
}

func TestCloseShutsPublisherOnceAndSkipsBackendAfterwards(t *testing.T) {
	t.Parallel()

	reg := stream.NewRegistry(nil, nil)
	_, rec := openConn(reg, "c1", "u1")
	pub := &transport.MockPublisher{}
	pub.On("Close").Return(errors.New("already gone")).Once()

	n := New(Config{}, reg, pub, "instance-a")
	closeNotifier(t, n)
	closeNotifier(t, n)

	n.Publish("u1", events.ProcessingEvent{Type: events.TypeCompleted})

	require.Len(t, rec.Frames(), 1, "local delivery continues after shutdown")
	pub.AssertNumberOfCalls(t, "Close", 1)
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestBackendFailuresOpenBreaker(t *testing.T) {
	t.Parallel()

	reg := stream.NewRegistry(nil, nil)
	_, rec := openConn(reg, "c1", "u1")
	pub := &transport.MockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("connection refused"))
	pub.On("Close").Return(nil).Once()

	n := New(Config{FailureThreshold: 2, OpenTimeout: time.Minute}, reg, pub, "instance-a")
	for i := 0; i < 5; i++ {
		n.Publish("u1", events.ProcessingEvent{Type: events.TypeProgress})
	}
	closeNotifier(t, n)

	require.Len(t, rec.Frames(), 5)
	pub.AssertNumberOfCalls(t, "Publish", 2)
}

func TestOversizedPayloadDoesNotTripBreaker(t *testing.T) {
	t.Parallel()

	reg := stream.NewRegistry(nil, nil)
	pub := &transport.MockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).
		Return(fmt.Errorf("%w: 9000 bytes", transport.ErrPayloadTooLarge))
	pub.On("Close").Return(nil).Once()

	n := New(Config{FailureThreshold: 1, OpenTimeout: time.Minute}, reg, pub, "instance-a")
	for i := 0; i < 3; i++ {
		n.Publish("u1", events.ProcessingEvent{Type: events.TypeProgress})
	}
	closeNotifier(t, n)

	pub.AssertNumberOfCalls(t, "Publish", 3)
}

type blockingPublisher struct {
	started chan struct{}
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (b *blockingPublisher) Publish(context.Context, string, []byte) error {
	b.mu.Lock()
	b.calls++
	first := b.calls == 1
	b.mu.Unlock()
	if first {
		close(b.started)
		<-b.release
	}
	return nil
}

func (b *blockingPublisher) Close() error { return nil }

func (b *blockingPublisher) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func TestFullBufferDropsBroadcastWithoutBlocking(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	pub := &blockingPublisher{started: make(chan struct{}), release: make(chan struct{})}
	reg := stream.NewRegistry(nil, nil)
	_, rec := openConn(reg, "c1", "u1")
	n := New(Config{BufferSize: 1, PublishTimeout: time.Minute, Logger: zap.New(core)}, reg, pub, "instance-a")

	n.Publish("u1", events.ProcessingEvent{Type: events.TypeQueued})
	<-pub.started
	n.Publish("u1", events.ProcessingEvent{Type: events.TypeStarted})
	n.Publish("u1", events.ProcessingEvent{Type: events.TypeProgress})

	require.Len(t, rec.Frames(), 3)
	require.Equal(t, 1, logs.FilterMessage("broadcasts dropped due to backpressure").Len())

	close(pub.release)
	closeNotifier(t, n)
	require.Equal(t, 2, pub.Calls())
}

func TestNotifiersShareBackendWithoutDuplicates(t *testing.T) {
	t.Parallel()

	broker := memory.New()
	ctx := context.Background()
	channel := transport.ChannelName("u1")

	regA := stream.NewRegistry(nil, nil)
	regB := stream.NewRegistry(nil, nil)
	a := New(Config{Clock: fixedClock(fixedMillis)}, regA, broker, "instance-a")
	b := New(Config{Clock: fixedClock(fixedMillis)}, regB, broker, "instance-b")
	defer closeNotifier(t, b)

	connA, recA := openConn(regA, "a1", "u1")
	subA, err := broker.Subscribe(ctx, channel, a.Relay(connA))
	require.NoError(t, err)
	defer subA.Close(ctx)
	connB, recB := openConn(regB, "b1", "u1")
	subB, err := broker.Subscribe(ctx, channel, b.Relay(connB))
	require.NoError(t, err)
	defer subB.Close(ctx)

	a.Publish("u1", events.ProcessingEvent{Type: events.TypeCompleted, AssetType: events.AssetDocument, AssetID: "d1"})
	// Close waits for the queued broadcast to be published and delivered.
	closeNotifier(t, a)

	want := `data: {"type":"completed","userId":"u1","assetType":"document","assetId":"d1","timestamp":1700000000000}` + "\n\n"
	require.Equal(t, []string{want}, recA.Frames())
	require.Equal(t, []string{want}, recB.Frames())
}

func TestRelayIgnoresMalformedMessages(t *testing.T) {
	t.Parallel()

	reg := stream.NewRegistry(nil, nil)
	n := New(Config{}, reg, nil, "instance-a")
	defer closeNotifier(t, n)

	conn, rec := openConn(reg, "c1", "u1")
	relay := n.Relay(conn)
	relay([]byte(`garbage`))
	relay([]byte(`{"origin":"instance-a","event":{"type":"queued"}}`))
	relay([]byte(`{"origin":"instance-z","event":{"type":"queued"}}`))

	require.Equal(t, []string{`data: {"type":"queued"}` + "\n\n"}, rec.Frames())
}
