package live

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/memory-space/capsule-live/internal"
	"github.com/memory-space/capsule-live/pubsub"
	"github.com/memory-space/capsule-live/transport"
)

type sentFrame struct {
	event string
	data  string
}

type fakeConn struct {
	token  string
	events chan *transport.Event

	mu   sync.Mutex
	sent []sentFrame

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn(token string) *fakeConn {
	return &fakeConn{
		token:  token,
		events: make(chan *transport.Event, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Send(event string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentFrame{event: event, data: string(data)})
	return nil
}

func (c *fakeConn) ReadEvent() (*transport.Event, error) {
	// prefer pending events over the closed signal so a test can inject an
	// event and reliably observe it being read
	select {
	case ev := <-c.events:
		return ev, nil
	default:
	}
	select {
	case ev := <-c.events:
		return ev, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) sentFrames() []sentFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentFrame(nil), c.sent...)
}

func (c *fakeConn) inject(name, dataJSON string) {
	c.events <- &transport.Event{
		Name: name,
		Data: gjson.Parse(dataJSON),
	}
}

type fakeDialer struct {
	mu       sync.Mutex
	numDials int
	dialErr  error // returned by every Dial when set
	dialed   chan *fakeConn
	lastCtx  context.Context
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		dialed: make(chan *fakeConn, 16),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, token string) (transport.Conn, error) {
	d.mu.Lock()
	d.numDials++
	d.lastCtx = ctx
	err := d.dialErr
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	c := newFakeConn(token)
	d.dialed <- c
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.numDials
}

func (d *fakeDialer) dialCtx() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastCtx
}

type recordingNotifier struct {
	mu       sync.Mutex
	payloads []pubsub.Payload
}

func (n *recordingNotifier) Notify(_ string, p pubsub.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, p)
	return nil
}

func (n *recordingNotifier) Close() error { return nil }

func (n *recordingNotifier) ofType(payloadType string) []pubsub.Payload {
	n.mu.Lock()
	defer n.mu.Unlock()
	var result []pubsub.Payload
	for _, p := range n.payloads {
		if p.Type() == payloadType {
			result = append(result, p)
		}
	}
	return result
}

func waitUntil(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func nextConn(t *testing.T, d *fakeDialer) *fakeConn {
	t.Helper()
	select {
	case c := <-d.dialed:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a connection to be dialled")
		return nil
	}
}

func countJoins(frames []sentFrame, capsuleID string) int {
	n := 0
	for _, f := range frames {
		if f.event == transport.EventJoinCapsule && gjson.Get(f.data, "capsuleId").Str == capsuleID {
			n++
		}
	}
	return n
}

func TestJoinRoomBeforeStartReplaysExactlyOnce(t *testing.T) {
	d := newFakeDialer()
	notifier := &recordingNotifier{}
	s := NewSession(d, notifier)
	defer s.Close()

	// recorded while disconnected, sent on connect
	s.JoinRoom("capsule-1")
	s.Start("tokenA", "userA")
	conn := nextConn(t, d)
	waitUntil(t, "session connected", func() bool { return s.ConnectionState() == Connected })
	waitUntil(t, "room replay sent", func() bool { return len(conn.sentFrames()) >= 2 })

	frames := conn.sentFrames()
	if frames[0].event != transport.EventJoinCapsules {
		t.Fatalf("first frame is %q, want %q", frames[0].event, transport.EventJoinCapsules)
	}
	if got := countJoins(frames, "capsule-1"); got != 1 {
		t.Fatalf("capsule-1 joined %d times, want 1", got)
	}

	// duplicate join intent sends nothing further
	s.JoinRoom("capsule-1")
	time.Sleep(50 * time.Millisecond)
	if got := countJoins(conn.sentFrames(), "capsule-1"); got != 1 {
		t.Fatalf("duplicate JoinRoom sent another join, total %d", got)
	}
}

func TestReconnectReplaysDesiredRoomsAndClearsEphemeralState(t *testing.T) {
	d := newFakeDialer()
	notifier := &recordingNotifier{}
	s := NewSession(d, notifier)
	defer s.Close()

	s.Start("tokenA", "userA")
	conn1 := nextConn(t, d)
	waitUntil(t, "session connected", func() bool { return s.ConnectionState() == Connected })

	s.JoinRoom("capsule-2")
	s.JoinRoom("capsule-1")
	s.JoinRoom("capsule-3")
	s.LeaveRoom("capsule-3")

	conn1.inject(transport.EventUserOnline, `{"userId":"u1","user":{"name":"Alice"}}`)
	conn1.inject(transport.EventUserTyping, `{"userId":"u1","memoryId":"m1","capsuleId":"capsule-1","isTyping":true}`)
	waitUntil(t, "presence applied", func() bool { return s.Presence().Len() == 1 })
	waitUntil(t, "typing applied", func() bool { return s.Typing().Len() == 1 })

	// drop the connection and let the session reconnect
	conn1.Close()
	conn2 := nextConn(t, d)
	waitUntil(t, "session reconnected", func() bool {
		return s.ConnectionState() == Connected && len(conn2.sentFrames()) >= 3
	})

	frames := conn2.sentFrames()
	if frames[0].event != transport.EventJoinCapsules {
		t.Fatalf("first frame after reconnect is %q, want %q", frames[0].event, transport.EventJoinCapsules)
	}
	for _, capsuleID := range []string{"capsule-1", "capsule-2"} {
		if got := countJoins(frames, capsuleID); got != 1 {
			t.Fatalf("%s joined %d times after reconnect, want 1", capsuleID, got)
		}
	}
	if got := countJoins(frames, "capsule-3"); got != 0 {
		t.Fatalf("left room capsule-3 was rejoined")
	}

	// ephemeral state did not survive the disconnect
	if s.Presence().Len() != 0 {
		t.Fatalf("presence survived disconnect: %+v", s.Presence().Snapshot())
	}
	if s.Typing().Len() != 0 {
		t.Fatalf("typing survived disconnect")
	}
	if got := len(notifier.ofType(pubsub.LiveDisconnected{}.Type())); got != 1 {
		t.Fatalf("got %d disconnected payloads, want 1", got)
	}
}

func TestStartSupersedesEarlierStart(t *testing.T) {
	d := newFakeDialer()
	notifier := &recordingNotifier{}
	s := NewSession(d, notifier)
	defer s.Close()

	s.Start("tokenA", "userA")
	s.Start("tokenB", "userB")

	waitUntil(t, "userB session connected", func() bool { return s.ConnectionState() == Connected })

	// whichever attempts completed, only the tokenB connection may stay alive
	var bConn *fakeConn
	deadline := time.After(time.Second)
collect:
	for {
		select {
		case c := <-d.dialed:
			if c.token == "tokenB" {
				bConn = c
			} else {
				waitUntil(t, "superseded conn closed", c.isClosed)
			}
		case <-deadline:
			break collect
		default:
			if bConn != nil {
				break collect
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	if bConn == nil {
		t.Fatalf("tokenB connection was never dialled")
	}
	if bConn.isClosed() {
		t.Fatalf("tokenB connection was closed")
	}
	for _, p := range notifier.ofType(pubsub.LiveConnected{}.Type()) {
		if p.(*pubsub.LiveConnected).UserID == "userA" {
			t.Fatalf("superseded userA session reported connected")
		}
	}
}

func TestDispatchDiscardsEventsFromSupersededAttempt(t *testing.T) {
	d := newFakeDialer()
	notifier := &recordingNotifier{}
	s := NewSession(d, notifier)
	defer s.Close()

	s.Start("tokenA", "userA")
	nextConn(t, d)
	waitUntil(t, "session connected", func() bool { return s.ConnectionState() == Connected })

	// an event tagged with a stale attempt ordinal must not mutate state
	staleEvent := &transport.Event{
		Name: transport.EventUserOnline,
		Data: gjson.Parse(`{"userId":"u9","user":{"name":"Mallory"}}`),
	}
	s.dispatch(context.Background(), 0, staleEvent)
	if s.Presence().IsOnline("u9") {
		t.Fatalf("stale event mutated presence")
	}
	if got := len(notifier.ofType(pubsub.LiveUserOnline{}.Type())); got != 0 {
		t.Fatalf("stale event published %d payloads", got)
	}
}

func TestStopClearsAllDerivedState(t *testing.T) {
	d := newFakeDialer()
	notifier := &recordingNotifier{}
	s := NewSession(d, notifier)
	defer s.Close()

	s.Start("tokenA", "userA")
	conn := nextConn(t, d)
	waitUntil(t, "session connected", func() bool { return s.ConnectionState() == Connected })

	s.JoinRoom("capsule-1")
	conn.inject(transport.EventUserOnline, `{"userId":"u1","user":{"name":"Alice"}}`)
	conn.inject(transport.EventUserTyping, `{"userId":"u1","memoryId":"m1","capsuleId":"capsule-1","isTyping":true}`)
	conn.inject(transport.EventLiveReaction, `{"emoji":"❤️","userId":"u1","memoryId":"m1","capsuleId":"capsule-1"}`)
	waitUntil(t, "events applied", func() bool {
		return s.Presence().Len() == 1 && s.Typing().Len() == 1 && s.Reactions().Len() == 1
	})

	s.Stop()
	if s.ConnectionState() != Disconnected {
		t.Fatalf("state is %s after Stop", s.ConnectionState())
	}
	if s.Presence().Len() != 0 {
		t.Fatalf("presence not empty after Stop")
	}
	if got := s.Typing().Snapshot("m1"); got != nil {
		t.Fatalf("typing not empty after Stop: %+v", got)
	}
	if s.Reactions().Len() != 0 {
		t.Fatalf("reactions not empty after Stop")
	}
	if s.Rooms().Len() != 0 {
		t.Fatalf("desired rooms not dropped by Stop")
	}
	waitUntil(t, "connection closed", conn.isClosed)

	// Stop is safe to call when already stopped
	s.Stop()
}

func TestAuthRejectionIsFatalAndNotRetried(t *testing.T) {
	d := newFakeDialer()
	d.dialErr = &internal.HandlerError{StatusCode: 401, Err: internal.ErrUnauthorized}
	notifier := &recordingNotifier{}
	s := NewSession(d, notifier)
	defer s.Close()

	s.Start("expired-token", "userA")
	waitUntil(t, "fatal error payload", func() bool {
		for _, p := range notifier.ofType(pubsub.LiveError{}.Type()) {
			if p.(*pubsub.LiveError).Fatal {
				return true
			}
		}
		return false
	})
	if s.ConnectionState() != Disconnected {
		t.Fatalf("state is %s after auth rejection", s.ConnectionState())
	}
	time.Sleep(100 * time.Millisecond)
	if got := d.dials(); got != 1 {
		t.Fatalf("dialled %d times with a rejected token, want 1", got)
	}
	// the attempt's context must not outlive the attempt
	if ctx := d.dialCtx(); ctx == nil || ctx.Err() == nil {
		t.Fatalf("attempt context still live after fatal auth rejection")
	}
}

func TestServerErrorDoesNotTearDownConnection(t *testing.T) {
	d := newFakeDialer()
	notifier := &recordingNotifier{}
	s := NewSession(d, notifier)
	defer s.Close()

	s.Start("tokenA", "userA")
	conn := nextConn(t, d)
	waitUntil(t, "session connected", func() bool { return s.ConnectionState() == Connected })

	conn.inject(transport.EventError, `{"message":"cannot join room: not a member"}`)
	waitUntil(t, "error payload", func() bool {
		return len(notifier.ofType(pubsub.LiveError{}.Type())) == 1
	})
	p := notifier.ofType(pubsub.LiveError{}.Type())[0].(*pubsub.LiveError)
	if p.Fatal {
		t.Fatalf("application error classified as fatal")
	}
	if s.ConnectionState() != Connected {
		t.Fatalf("application error tore down the connection")
	}
	if got := len(notifier.ofType(pubsub.LiveDisconnected{}.Type())); got != 0 {
		t.Fatalf("application error produced %d disconnect payloads", got)
	}
}

func TestDuplicateOnlineEventsCollapse(t *testing.T) {
	d := newFakeDialer()
	notifier := &recordingNotifier{}
	s := NewSession(d, notifier)
	defer s.Close()

	s.Start("tokenA", "userA")
	conn := nextConn(t, d)
	waitUntil(t, "session connected", func() bool { return s.ConnectionState() == Connected })

	conn.inject(transport.EventUserOnline, `{"userId":"u1","user":{"name":"Alice"}}`)
	conn.inject(transport.EventUserOnline, `{"userId":"u1","user":{"name":"Alice"}}`)
	conn.inject(transport.EventUserOffline, `{"userId":"u1"}`)
	conn.inject(transport.EventUserOffline, `{"userId":"u1"}`)
	conn.inject(transport.EventUserOnline, `{"userId":"u2","user":{"name":"Bob"}}`)
	waitUntil(t, "events applied", func() bool {
		return s.Presence().IsOnline("u2")
	})

	snapshot := s.Presence().Snapshot()
	if len(snapshot) != 1 || snapshot[0].UserID != "u2" {
		t.Fatalf("wrong presence snapshot: %+v", snapshot)
	}
	if got := len(notifier.ofType(pubsub.LiveUserOnline{}.Type())); got != 2 {
		t.Fatalf("got %d online payloads, want 2 (one per state change)", got)
	}
	if got := len(notifier.ofType(pubsub.LiveUserOffline{}.Type())); got != 1 {
		t.Fatalf("got %d offline payloads, want 1", got)
	}
}

func TestSendIntentsRequireConnection(t *testing.T) {
	d := newFakeDialer()
	notifier := &recordingNotifier{}
	s := NewSession(d, notifier)
	defer s.Close()

	// dropped silently while disconnected
	s.SendReaction("capsule-1", "m1", "🎉")
	s.SendTyping("capsule-1", "m1", true)

	s.Start("tokenA", "userA")
	conn := nextConn(t, d)
	waitUntil(t, "session connected", func() bool { return s.ConnectionState() == Connected })

	s.SendReaction("capsule-1", "m1", "🎉")
	s.SendTyping("capsule-1", "m1", true)
	s.SendTyping("capsule-1", "m1", false)
	waitUntil(t, "intents sent", func() bool { return len(conn.sentFrames()) >= 4 })

	var reactions, typingStarts, typingStops int
	for _, f := range conn.sentFrames() {
		switch f.event {
		case transport.EventSendReaction:
			reactions++
			if gjson.Get(f.data, "emoji").Str != "🎉" {
				t.Fatalf("reaction frame missing emoji: %s", f.data)
			}
		case transport.EventTypingStart:
			typingStarts++
		case transport.EventTypingStop:
			typingStops++
		}
	}
	if reactions != 1 || typingStarts != 1 || typingStops != 1 {
		t.Fatalf("wrong outbound intents: reactions=%d starts=%d stops=%d", reactions, typingStarts, typingStops)
	}
}
