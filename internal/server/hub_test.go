package server

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dolgim/dolcanvas/internal/canvas"
	"github.com/dolgim/dolcanvas/internal/journal"
	"github.com/dolgim/dolcanvas/internal/protocol"
)

type fakePeer struct {
	id       canvas.ConnectionID
	open     atomic.Bool
	mu       sync.Mutex
	received [][]byte
	closed   bool
}

func newFakePeer(id string) *fakePeer {
	peer := &fakePeer{id: canvas.ConnectionID(id)}
	peer.open.Store(true)
	return peer
}

func (p *fakePeer) ID() canvas.ConnectionID { return p.id }

func (p *fakePeer) Open() bool { return p.open.Load() }

func (p *fakePeer) Send(data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received = append(p.received, data)
	return true
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.open.Store(false)
}

func (p *fakePeer) frames() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.received...)
}

func (p *fakePeer) messages(t *testing.T) []protocol.Message {
	t.Helper()
	frames := p.frames()
	messages := make([]protocol.Message, 0, len(frames))
	for _, frame := range frames {
		message, err := protocol.Decode(frame)
		if err != nil {
			t.Fatalf("peer %s received undecodable frame %s: %v", p.id, frame, err)
		}
		messages = append(messages, message)
	}
	return messages
}

func (p *fakePeer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received = nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (r *fakeRecorder) Record(entry journal.Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return true
}

func (r *fakeRecorder) kinds() []journal.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]journal.Kind, len(r.entries))
	for index, entry := range r.entries {
		kinds[index] = entry.Kind
	}
	return kinds
}

type hubHarness struct {
	hub      *Hub
	recorder *fakeRecorder
	cancel   context.CancelFunc
}

func startHub(t *testing.T) *hubHarness {
	t.Helper()
	recorder := &fakeRecorder{}
	hub, err := NewHub(HubConfig{
		Store:    canvas.NewStore(),
		Recorder: recorder,
		Clock:    func() time.Time { return time.UnixMilli(1700000000000) },
	})
	if err != nil {
		t.Fatalf("failed to construct hub: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.done
	})
	return &hubHarness{hub: hub, recorder: recorder, cancel: cancel}
}

func (h *hubHarness) connect(t *testing.T, id string) *fakePeer {
	t.Helper()
	peer := newFakePeer(id)
	if err := h.hub.Register(context.Background(), peer); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	return peer
}

func (h *hubHarness) send(t *testing.T, peer *fakePeer, payload protocol.Payload) []byte {
	t.Helper()
	data, err := protocol.Encode(protocol.NewMessage(payload, time.UnixMilli(1700000000000)))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	h.sendRaw(t, peer, data)
	return data
}

func (h *hubHarness) sendRaw(t *testing.T, peer *fakePeer, data []byte) {
	t.Helper()
	if !h.hub.Submit(peer, data) {
		t.Fatalf("submit rejected")
	}
	h.stats(t)
}

// stats doubles as a barrier: it runs on the hub goroutine after every
// previously submitted message has been handled.
func (h *hubHarness) stats(t *testing.T) Stats {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stats, err := h.hub.Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	return stats
}

func (h *hubHarness) join(t *testing.T, id, userID string) *fakePeer {
	t.Helper()
	peer := h.connect(t, id)
	h.send(t, peer, protocol.Join{UserID: userID})
	return peer
}

func (h *hubHarness) historyFromLateJoiner(t *testing.T) []protocol.Stroke {
	t.Helper()
	observer := h.join(t, "observer", "observer")
	messages := observer.messages(t)
	if len(messages) == 0 {
		t.Fatalf("expected sync for late joiner")
	}
	sync, ok := messages[0].Payload.(protocol.Sync)
	if !ok {
		t.Fatalf("expected sync, got %T", messages[0].Payload)
	}
	return sync.Strokes
}

func testStroke(id, userID string) protocol.Stroke {
	return protocol.Stroke{
		ID:     id,
		Points: []protocol.Point{{X: 1, Y: 1, Timestamp: 1}, {X: 2, Y: 2, Timestamp: 2}},
		Color:  "#000000",
		Width:  2,
		Tool:   protocol.ToolPen,
		UserID: userID,
	}
}

func strokeIDs(strokes []protocol.Stroke) []string {
	result := make([]string, len(strokes))
	for index, stroke := range strokes {
		result[index] = stroke.ID
	}
	return result
}

func TestNewHubRequiresStore(t *testing.T) {
	if _, err := NewHub(HubConfig{}); !errors.Is(err, errMissingStore) {
		t.Fatalf("expected missing store error, got %v", err)
	}
}

func TestFirstJoinReceivesEmptySync(t *testing.T) {
	harness := startHub(t)
	peer := harness.join(t, "conn-1", "u1")

	frames := peer.frames()
	if len(frames) != 1 {
		t.Fatalf("expected exactly one frame, got %d", len(frames))
	}
	frame := string(frames[0])
	if !strings.Contains(frame, `"type":"sync"`) || !strings.Contains(frame, `"strokes":[]`) || !strings.Contains(frame, `"users":[]`) {
		t.Fatalf("expected empty sync, got %s", frame)
	}
}

func TestJoinAssignsCyclingColorsAndAnnouncesToOthers(t *testing.T) {
	harness := startHub(t)
	first := harness.join(t, "conn-1", "u1")
	first.reset()

	for index := 2; index <= 10; index++ {
		harness.join(t, fmt.Sprintf("conn-%d", index), fmt.Sprintf("u%d", index))
	}

	messages := first.messages(t)
	if len(messages) != 9 {
		t.Fatalf("expected 9 join announcements, got %d", len(messages))
	}
	for offset, message := range messages {
		join, ok := message.Payload.(protocol.Join)
		if !ok || join.ColorIndex == nil {
			t.Fatalf("expected join with color index, got %+v", message.Payload)
		}
		expected := (offset + 1) % protocol.PaletteSize
		if *join.ColorIndex != expected {
			t.Fatalf("join #%d: expected color %d, got %d", offset+2, expected, *join.ColorIndex)
		}
	}
}

func TestSecondJoinSyncListsOtherUsers(t *testing.T) {
	harness := startHub(t)
	harness.join(t, "conn-1", "u1")
	second := harness.join(t, "conn-2", "u2")

	sync := second.messages(t)[0].Payload.(protocol.Sync)
	if !reflect.DeepEqual(sync.Users, []protocol.User{{UserID: "u1", ColorIndex: 0}}) {
		t.Fatalf("expected only u1 in users, got %+v", sync.Users)
	}
}

func TestDrawIsStoredAndRelayedVerbatimToOthers(t *testing.T) {
	harness := startHub(t)
	alice := harness.join(t, "conn-a", "alice")
	bob := harness.join(t, "conn-b", "bob")
	alice.reset()
	bob.reset()

	sent := harness.send(t, alice, protocol.Draw{Stroke: testStroke("s1", "alice")})

	if frames := bob.frames(); len(frames) != 1 || string(frames[0]) != string(sent) {
		t.Fatalf("expected bob to receive the original bytes, got %q", frames)
	}
	if len(alice.frames()) != 0 {
		t.Fatalf("expected sender not to receive its own draw")
	}
	if harness.stats(t).Strokes != 1 {
		t.Fatalf("expected one stroke in history")
	}
	received := bob.messages(t)[0].Payload.(protocol.Draw).Stroke
	if !reflect.DeepEqual(received, testStroke("s1", "alice")) {
		t.Fatalf("expected identical stroke, got %+v", received)
	}
}

func TestClearEmptiesHistoryAndRelays(t *testing.T) {
	harness := startHub(t)
	alice := harness.join(t, "conn-a", "alice")
	bob := harness.join(t, "conn-b", "bob")
	harness.send(t, alice, protocol.Draw{Stroke: testStroke("s1", "alice")})
	bob.reset()

	harness.send(t, alice, protocol.Clear{UserID: "alice"})

	if harness.stats(t).Strokes != 0 {
		t.Fatalf("expected history to be empty")
	}
	if messages := bob.messages(t); len(messages) != 1 || messages[0].Type() != protocol.TypeClear {
		t.Fatalf("expected bob to receive clear, got %+v", messages)
	}
}

func TestUndoRelaysOnlyWhenAStrokeWasRemoved(t *testing.T) {
	harness := startHub(t)
	alice := harness.join(t, "conn-a", "alice")
	bob := harness.join(t, "conn-b", "bob")
	harness.send(t, alice, protocol.Draw{Stroke: testStroke("s1", "alice")})
	bob.reset()

	harness.send(t, alice, protocol.Undo{UserID: "alice", StrokeID: "missing"})
	if len(bob.frames()) != 0 {
		t.Fatalf("expected referential miss not to be broadcast")
	}

	harness.send(t, alice, protocol.Undo{UserID: "alice", StrokeID: "s1"})
	if harness.stats(t).Strokes != 0 {
		t.Fatalf("expected history to return to empty")
	}
	if messages := bob.messages(t); len(messages) != 1 || messages[0].Type() != protocol.TypeUndo {
		t.Fatalf("expected bob to receive the undo, got %+v", messages)
	}
}

func TestRedoAppendsAtEnd(t *testing.T) {
	harness := startHub(t)
	alice := harness.join(t, "conn-a", "alice")
	bob := harness.join(t, "conn-b", "bob")

	harness.send(t, alice, protocol.Draw{Stroke: testStroke("s1", "alice")})
	harness.send(t, bob, protocol.Draw{Stroke: testStroke("s2", "bob")})
	harness.send(t, alice, protocol.Undo{UserID: "alice", StrokeID: "s1"})
	harness.send(t, alice, protocol.Redo{UserID: "alice", Stroke: testStroke("s1", "alice")})

	history := harness.historyFromLateJoiner(t)
	if !reflect.DeepEqual(strokeIDs(history), []string{"s2", "s1"}) {
		t.Fatalf("expected redo at the end, got %v", strokeIDs(history))
	}
}

func TestHistoryEqualsAcceptedDrawsMinusUndone(t *testing.T) {
	harness := startHub(t)
	alice := harness.join(t, "conn-a", "alice")

	for _, id := range []string{"s1", "s2", "s3", "s4", "s5"} {
		harness.send(t, alice, protocol.Draw{Stroke: testStroke(id, "alice")})
	}
	harness.send(t, alice, protocol.Undo{UserID: "alice", StrokeID: "s2"})
	harness.send(t, alice, protocol.Undo{UserID: "alice", StrokeID: "s4"})
	harness.send(t, alice, protocol.Draw{Stroke: testStroke("s1", "alice")})

	history := harness.historyFromLateJoiner(t)
	if !reflect.DeepEqual(strokeIDs(history), []string{"s1", "s3", "s5"}) {
		t.Fatalf("unexpected history %v", strokeIDs(history))
	}
}

func TestCursorIsRelayedWithoutState(t *testing.T) {
	harness := startHub(t)
	alice := harness.join(t, "conn-a", "alice")
	bob := harness.join(t, "conn-b", "bob")
	bob.reset()

	sent := harness.send(t, alice, protocol.Cursor{UserID: "alice", X: 3, Y: 4})
	if frames := bob.frames(); len(frames) != 1 || string(frames[0]) != string(sent) {
		t.Fatalf("expected cursor to be relayed verbatim, got %q", frames)
	}
	if harness.stats(t).Strokes != 0 {
		t.Fatalf("expected cursor not to touch history")
	}
}

func TestClosedPeersAreSkipped(t *testing.T) {
	harness := startHub(t)
	alice := harness.join(t, "conn-a", "alice")
	bob := harness.join(t, "conn-b", "bob")
	bob.reset()
	bob.open.Store(false)

	harness.send(t, alice, protocol.Draw{Stroke: testStroke("s1", "alice")})
	if len(bob.frames()) != 0 {
		t.Fatalf("expected a peer that is not open to be skipped")
	}
}

func TestCloseBroadcastsLeaveAndDeregisters(t *testing.T) {
	harness := startHub(t)
	alice := harness.join(t, "conn-a", "alice")
	bob := harness.join(t, "conn-b", "bob")
	alice.reset()

	harness.hub.Unregister(bob)
	stats := harness.stats(t)
	if stats.Connections != 1 || stats.Users != 1 {
		t.Fatalf("expected one remaining connection and user, got %+v", stats)
	}
	if !bob.closed {
		t.Fatalf("expected bob's peer to be closed")
	}
	messages := alice.messages(t)
	if len(messages) != 1 {
		t.Fatalf("expected one leave message, got %d", len(messages))
	}
	leave, ok := messages[0].Payload.(protocol.Leave)
	if !ok || leave.UserID != "bob" {
		t.Fatalf("expected leave for bob, got %+v", messages[0].Payload)
	}
}

func TestMalformedAndUnknownMessagesKeepConnection(t *testing.T) {
	harness := startHub(t)
	alice := harness.join(t, "conn-a", "alice")
	bob := harness.join(t, "conn-b", "bob")
	bob.reset()

	harness.sendRaw(t, alice, []byte(`{"type":"draw","payload":`))
	harness.sendRaw(t, alice, []byte(`{"type":"rotate","payload":{},"timestamp":1}`))
	harness.sendRaw(t, alice, []byte(`{"type":"draw","payload":{"stroke":{"id":"","tool":"pen"}},"timestamp":1}`))
	harness.send(t, alice, protocol.Leave{UserID: "alice"})
	harness.send(t, alice, protocol.Sync{})

	if len(bob.frames()) != 0 {
		t.Fatalf("expected nothing to be relayed, got %q", bob.frames())
	}
	if harness.stats(t).Connections != 2 {
		t.Fatalf("expected both connections to stay registered")
	}

	harness.send(t, alice, protocol.Draw{Stroke: testStroke("s1", "alice")})
	if len(bob.frames()) != 1 {
		t.Fatalf("expected later messages to be processed")
	}
}

func TestDuplicateStrokeIDIsNotRelayed(t *testing.T) {
	harness := startHub(t)
	alice := harness.join(t, "conn-a", "alice")
	bob := harness.join(t, "conn-b", "bob")
	harness.send(t, alice, protocol.Draw{Stroke: testStroke("s1", "alice")})
	bob.reset()

	harness.send(t, alice, protocol.Draw{Stroke: testStroke("s1", "alice")})
	if len(bob.frames()) != 0 || harness.stats(t).Strokes != 1 {
		t.Fatalf("expected duplicate id to be rejected")
	}
}

func TestAcceptedChangesAreJournaled(t *testing.T) {
	harness := startHub(t)
	alice := harness.join(t, "conn-a", "alice")
	bob := harness.join(t, "conn-b", "bob")

	harness.send(t, alice, protocol.Draw{Stroke: testStroke("s1", "alice")})
	harness.send(t, alice, protocol.Undo{UserID: "alice", StrokeID: "missing"})
	harness.send(t, alice, protocol.Undo{UserID: "alice", StrokeID: "s1"})
	harness.send(t, alice, protocol.Redo{UserID: "alice", Stroke: testStroke("s1", "alice")})
	harness.send(t, alice, protocol.Cursor{UserID: "alice", X: 1, Y: 1})
	harness.send(t, bob, protocol.Clear{UserID: "bob"})
	harness.hub.Unregister(bob)
	harness.stats(t)

	expected := []journal.Kind{
		journal.KindJoin, journal.KindJoin,
		journal.KindDraw, journal.KindUndo, journal.KindRedo, journal.KindClear,
		journal.KindLeave,
	}
	if !reflect.DeepEqual(harness.recorder.kinds(), expected) {
		t.Fatalf("expected %v, got %v", expected, harness.recorder.kinds())
	}
}

func TestHubCallsFailAfterStop(t *testing.T) {
	harness := startHub(t)
	harness.cancel()
	<-harness.hub.done

	if _, err := harness.hub.Stats(context.Background()); !errors.Is(err, ErrHubStopped) {
		t.Fatalf("expected ErrHubStopped, got %v", err)
	}
	if harness.hub.Submit(newFakePeer("late"), []byte(`{}`)) {
		t.Fatalf("expected submit to fail after stop")
	}
	if err := harness.hub.Register(context.Background(), newFakePeer("late")); !errors.Is(err, ErrHubStopped) {
		t.Fatalf("expected register to fail after stop, got %v", err)
	}
}

func TestRejoinWithNewUserIDRetiresOldID(t *testing.T) {
	harness := startHub(t)
	alice := harness.join(t, "conn-a", "alice-old")
	bob := harness.join(t, "conn-b", "bob")
	alice.reset()
	bob.reset()

	harness.send(t, alice, protocol.Join{UserID: "alice-new"})

	messages := bob.messages(t)
	if len(messages) != 2 {
		t.Fatalf("expected leave then join, got %d messages", len(messages))
	}
	leave, ok := messages[0].Payload.(protocol.Leave)
	if !ok || leave.UserID != "alice-old" {
		t.Fatalf("expected leave for the replaced id, got %+v", messages[0].Payload)
	}
	join, ok := messages[1].Payload.(protocol.Join)
	if !ok || join.UserID != "alice-new" || join.ColorIndex == nil || *join.ColorIndex != 0 {
		t.Fatalf("expected join for the new id keeping color 0, got %+v", messages[1].Payload)
	}

	harness.hub.Unregister(alice)
	harness.stats(t)
	messages = bob.messages(t)
	if final, ok := messages[len(messages)-1].Payload.(protocol.Leave); !ok || final.UserID != "alice-new" {
		t.Fatalf("expected closing leave for the new id, got %+v", messages[len(messages)-1].Payload)
	}
}
