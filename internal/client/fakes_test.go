package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dolgim/dolcanvas/internal/protocol"
)

var errFakeSocketClosed = errors.New("fake socket closed")

type fakeSocket struct {
	inbound   chan []byte
	written   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		inbound: make(chan []byte, 16),
		written: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case data := <-s.inbound:
		return data, nil
	case <-s.closed:
		return nil, errFakeSocketClosed
	}
}

func (s *fakeSocket) WriteMessage(data []byte) error {
	select {
	case <-s.closed:
		return errFakeSocketClosed
	default:
	}
	s.written <- data
	return nil
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu       sync.Mutex
	failures int
	dialed   chan *fakeSocket
}

func newFakeDialer(failures int) *fakeDialer {
	return &fakeDialer{failures: failures, dialed: make(chan *fakeSocket, 8)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Socket, error) {
	d.mu.Lock()
	if d.failures > 0 {
		d.failures--
		d.mu.Unlock()
		return nil, fmt.Errorf("dial %s: connection refused", url)
	}
	d.mu.Unlock()
	socket := newFakeSocket()
	d.dialed <- socket
	return socket, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeSocket {
	t.Helper()
	select {
	case socket := <-d.dialed:
		return socket
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a dial")
		return nil
	}
}

func readWritten(t *testing.T, socket *fakeSocket) protocol.Message {
	t.Helper()
	select {
	case data := <-socket.written:
		message, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("failed to decode written frame %s: %v", data, err)
		}
		return message
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a written frame")
		return protocol.Message{}
	}
}

func encodeFrame(t *testing.T, payload protocol.Payload) []byte {
	t.Helper()
	data, err := protocol.Encode(protocol.NewMessage(payload, time.Unix(1700000000, 0)))
	if err != nil {
		t.Fatalf("failed to encode %s: %v", payload.Type(), err)
	}
	return data
}

type fakeSurface struct {
	calls   []string
	redraws [][]protocol.Stroke
	drawn   []protocol.Stroke
	shapes  [][2]protocol.Point
}

func (s *fakeSurface) DrawStroke(stroke protocol.Stroke) {
	s.calls = append(s.calls, "stroke")
	s.drawn = append(s.drawn, stroke)
}

func (s *fakeSurface) DrawSegment(from, to protocol.Point, color string, width float64, tool protocol.Tool) {
	s.calls = append(s.calls, "segment")
}

func (s *fakeSurface) DrawShape(start, end protocol.Point, color string, width float64, tool protocol.Tool) {
	s.calls = append(s.calls, "shape")
	s.shapes = append(s.shapes, [2]protocol.Point{start, end})
}

func (s *fakeSurface) Redraw(history []protocol.Stroke) {
	s.calls = append(s.calls, "redraw")
	s.redraws = append(s.redraws, protocol.CloneStrokes(history))
}

func (s *fakeSurface) Snapshot() {
	s.calls = append(s.calls, "snapshot")
}

func (s *fakeSurface) Restore() {
	s.calls = append(s.calls, "restore")
}

func (s *fakeSurface) reset() {
	s.calls = nil
	s.redraws = nil
	s.drawn = nil
	s.shapes = nil
}

func (s *fakeSurface) count(call string) int {
	total := 0
	for _, recorded := range s.calls {
		if recorded == call {
			total++
		}
	}
	return total
}

func startLoop(t *testing.T) *Loop {
	t.Helper()
	loop := NewLoop(16)
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})
	return loop
}

func onLoop(t *testing.T, loop *Loop, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := loop.Call(ctx, fn); err != nil {
		t.Fatalf("loop call failed: %v", err)
	}
}

func eventually(t *testing.T, condition func() bool, description string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}
