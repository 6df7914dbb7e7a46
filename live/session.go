package live

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/memory-space/capsule-live/internal"
	"github.com/memory-space/capsule-live/pubsub"
	"github.com/memory-space/capsule-live/transport"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("ConnectionState(%d)", int(s))
}

var (
	connStateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "capsule_live",
		Subsystem: "session",
		Name:      "connection_state",
		Help:      "0=disconnected 1=connecting 2=connected",
	})
	reconnectCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "capsule_live",
		Subsystem: "session",
		Name:      "num_reconnects",
		Help:      "Number of times the live connection was re-established after a drop",
	})
)

func init() {
	prometheus.MustRegister(connStateGauge, reconnectCounter)
}

// Session owns the lifecycle of exactly one live connection per authenticated
// user. All inbound events flow through a single dispatch switch which
// mutates the registries and republishes a typed payload on the pubsub bus;
// the view layer only reads registry snapshots and issues intents
// (JoinRoom/LeaveRoom/SendReaction/SendTyping) back through the session.
//
// Each call to Start begins a new connection attempt with a fresh ordinal.
// Every state mutation checks that its attempt ordinal is still current, so a
// late event from a superseded connection can never touch current state.
type Session struct {
	dialer   transport.Dialer
	notifier pubsub.Notifier

	rooms     *RoomTracker
	presence  *PresenceRegistry
	typing    *TypingTracker
	reactions *ReactionQueue

	mu      sync.Mutex
	state   ConnectionState
	token   string
	userID  string
	attempt uint64
	conn    transport.Conn
	cancel  context.CancelFunc

	logger zerolog.Logger
}

func NewSession(dialer transport.Dialer, notifier pubsub.Notifier) *Session {
	return &Session{
		dialer:    dialer,
		notifier:  notifier,
		rooms:     NewRoomTracker(),
		presence:  NewPresenceRegistry(),
		typing:    NewTypingTracker(),
		reactions: NewReactionQueue(0),
		logger:    logger,
	}
}

func (s *Session) Presence() *PresenceRegistry { return s.presence }

func (s *Session) Typing() *TypingTracker { return s.typing }

func (s *Session) Reactions() *ReactionQueue { return s.reactions }

func (s *Session) Rooms() *RoomTracker { return s.rooms }

func (s *Session) ConnectionState() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start opens a live connection authenticated as (token, userID). If a
// connection already exists for a different token or user it is torn down
// first; calling Start again with the same credentials while a connection is
// live or in flight is a no-op. Start never blocks on the network: the
// connect handshake and any reconnects happen on a background goroutine, with
// progress observable through the pubsub bus and ConnectionState.
func (s *Session) Start(token, userID string) {
	internal.Assert("token is not empty", token != "")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Disconnected && s.token == token && s.userID == userID {
		return
	}
	if s.state != Disconnected {
		s.logger.Info().Str("user", s.userID).Msg("tearing down superseded session")
		s.teardownLocked()
	}
	s.token = token
	s.userID = userID
	s.attempt++
	s.setStateLocked(Connecting)
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx, s.attempt, token, userID)
}

// Stop closes the live connection and resets all derived state. Safe to call
// when already stopped.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
}

// Close stops the session and shuts down the reaction expiry loop. The
// session must not be used afterwards.
func (s *Session) Close() {
	s.Stop()
	s.reactions.Stop()
}

// teardownLocked invalidates any in-flight connection attempt, closes the
// connection and clears every registry. Presence and typing are not
// authoritative while offline, reactions die with the session, and the
// desired-room set belongs to the login that requested it.
func (s *Session) teardownLocked() {
	s.attempt++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.token = ""
	s.userID = ""
	s.setStateLocked(Disconnected)
	s.presence.Clear()
	s.typing.ClearAll()
	s.reactions.Clear()
	s.rooms.Clear()
}

func (s *Session) setStateLocked(state ConnectionState) {
	s.state = state
	connStateGauge.Set(float64(state))
}

// JoinRoom adds the capsule room to the desired set. If connected, the join
// control message is sent immediately; otherwise it is replayed on the next
// successful connect. Joining an already-desired room sends nothing.
func (s *Session) JoinRoom(capsuleID string) {
	s.mu.Lock()
	newlyAdded := s.rooms.Add(capsuleID)
	conn := s.conn
	connected := s.state == Connected
	s.mu.Unlock()
	if !newlyAdded || !connected || conn == nil {
		return
	}
	s.sendRoomControl(conn, transport.EventJoinCapsule, capsuleID)
}

// LeaveRoom removes the capsule room from the desired set and, if connected,
// sends the leave control message. Leaving an undesired room is a no-op.
func (s *Session) LeaveRoom(capsuleID string) {
	s.mu.Lock()
	removed := s.rooms.Remove(capsuleID)
	conn := s.conn
	connected := s.state == Connected
	s.mu.Unlock()
	if !removed || !connected || conn == nil {
		return
	}
	s.sendRoomControl(conn, transport.EventLeaveCapsule, capsuleID)
}

// SendReaction broadcasts an ephemeral reaction to the capsule room.
// Fire-and-forget: dropped silently when not connected, like every other
// ephemeral signal.
func (s *Session) SendReaction(capsuleID, memoryID, emoji string) {
	s.send(transport.EventSendReaction, map[string]string{
		"capsuleId": capsuleID,
		"memoryId":  memoryID,
		"emoji":     emoji,
	})
}

// SendTyping reports this user's typing state on a memory.
func (s *Session) SendTyping(capsuleID, memoryID string, isTyping bool) {
	event := transport.EventTypingStart
	if !isTyping {
		event = transport.EventTypingStop
	}
	s.send(event, map[string]string{
		"capsuleId": capsuleID,
		"memoryId":  memoryID,
	})
}

func (s *Session) send(event string, fields map[string]string) {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == Connected
	s.mu.Unlock()
	if !connected || conn == nil {
		return
	}
	data := []byte(`{}`)
	var err error
	for k, v := range fields {
		if data, err = sjson.SetBytes(data, k, v); err != nil {
			s.logger.Err(err).Str("event", event).Msg("failed to build control message")
			return
		}
	}
	if err := conn.Send(event, data); err != nil {
		// the read loop observes the broken connection and handles reconnect
		s.logger.Warn().Err(err).Str("event", event).Msg("failed to send control message")
	}
}

func (s *Session) sendRoomControl(conn transport.Conn, event, capsuleID string) {
	data, err := sjson.SetBytes([]byte(`{}`), "capsuleId", capsuleID)
	if err != nil {
		s.logger.Err(err).Msg("failed to build room control message")
		return
	}
	if err := conn.Send(event, data); err != nil {
		s.logger.Warn().Err(err).Str("event", event).Str("capsule", capsuleID).Msg("failed to send room control message")
	}
}

// run is the connection loop for one Start call. It dials with exponential
// backoff, replays room subscriptions after each successful connect, and
// pumps inbound events into dispatch until the attempt is superseded or the
// token is rejected.
func (s *Session) run(ctx context.Context, attempt uint64, token, userID string) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			logger.Error().Msg(string(debug.Stack()))
			internal.GetSentryHubFromContextOrDefault(ctx).RecoverWithContext(ctx, panicErr)
		}
	}()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxElapsedTime = 0 // retry until stopped or superseded
	for {
		conn, err := s.dialer.Dial(ctx, token)
		if err != nil {
			if errors.Is(err, internal.ErrUnauthorized) {
				s.failAuth(attempt, err)
				return
			}
			if ctx.Err() != nil {
				return
			}
			waitTime := bo.NextBackOff()
			s.logger.Warn().Err(err).Str("duration", waitTime.String()).Msg("live connect failed, waiting before retry")
			select {
			case <-time.After(waitTime):
				continue
			case <-ctx.Done():
				return
			}
		}
		if !s.install(attempt, conn) {
			// a newer Start or Stop superseded this attempt mid-dial
			conn.Close()
			return
		}
		bo.Reset()
		s.onConnected(ctx, attempt, userID, conn)
		readErr := s.readLoop(ctx, attempt, conn)
		if !s.onDisconnected(attempt, userID, readErr) {
			return
		}
		reconnectCounter.Inc()
	}
}

// install hands the freshly dialed connection to the session, unless the
// attempt was superseded while dialing.
func (s *Session) install(attempt uint64, conn transport.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempt != attempt {
		return false
	}
	s.conn = conn
	return true
}

// onConnected transitions to Connected and replays the subscription state:
// one join_capsules for the session's own capsules, then one join per
// explicitly desired room, in sorted order.
func (s *Session) onConnected(ctx context.Context, attempt uint64, userID string, conn transport.Conn) {
	ctx, task := internal.StartTask(ctx, "Session.resubscribe")
	defer task.End()
	s.mu.Lock()
	if s.attempt != attempt {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(Connected)
	rooms := s.rooms.Snapshot()
	s.mu.Unlock()

	if err := conn.Send(transport.EventJoinCapsules, nil); err != nil {
		s.logger.Warn().Err(err).Msg("failed to send join_capsules")
	}
	for _, capsuleID := range rooms {
		s.sendRoomControl(conn, transport.EventJoinCapsule, capsuleID)
	}
	internal.Logf(ctx, "session", "connected user=%s rejoined=%d", userID, len(rooms))
	s.logger.Info().Str("user", userID).Int("rooms", len(rooms)).Msg("live session connected")
	s.notify(&pubsub.LiveConnected{UserID: userID})
}

// onDisconnected handles a broken read loop. Returns true if the run loop
// should reconnect, false if the attempt was superseded or stopped.
func (s *Session) onDisconnected(attempt uint64, userID string, readErr error) bool {
	s.mu.Lock()
	if s.attempt != attempt {
		s.mu.Unlock()
		return false
	}
	s.conn = nil
	s.setStateLocked(Connecting)
	// presence and typing are stale the moment we lose the connection; the
	// server re-sends authoritative state on reconnect
	s.presence.Clear()
	s.typing.ClearAll()
	s.mu.Unlock()

	reason := ""
	if readErr != nil {
		reason = readErr.Error()
	}
	s.logger.Warn().Err(readErr).Str("user", userID).Msg("live session disconnected, will reconnect")
	s.notify(&pubsub.LiveDisconnected{UserID: userID, Reason: reason})
	return true
}

// failAuth handles a token rejection at connect time: fatal for this token,
// never silently retried.
func (s *Session) failAuth(attempt uint64, err error) {
	s.mu.Lock()
	if s.attempt != attempt {
		s.mu.Unlock()
		return
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.setStateLocked(Disconnected)
	s.mu.Unlock()

	s.logger.Error().Err(err).Msg("live connect rejected: token invalid or expired")
	s.notify(&pubsub.LiveError{Message: err.Error(), Fatal: true})
}

func (s *Session) readLoop(ctx context.Context, attempt uint64, conn transport.Conn) error {
	for {
		ev, err := conn.ReadEvent()
		if err != nil {
			return err
		}
		s.dispatch(ctx, attempt, ev)
	}
}

// dispatch applies one inbound event. Events are applied strictly in the
// order the transport delivered them; an event from a superseded attempt is
// discarded whole.
func (s *Session) dispatch(ctx context.Context, attempt uint64, ev *transport.Event) {
	s.mu.Lock()
	if s.attempt != attempt {
		s.mu.Unlock()
		return
	}

	switch ev.Name {
	case transport.EventUserOnline:
		userID := ev.Data.Get("userId").Str
		if s.presence.MarkOnline(userID, metadataFrom(ev.Data.Get("user"))) {
			s.mu.Unlock()
			s.notify(&pubsub.LiveUserOnline{UserID: userID, Metadata: metadataFrom(ev.Data.Get("user"))})
			return
		}
	case transport.EventUserOffline:
		userID := ev.Data.Get("userId").Str
		if s.presence.MarkOffline(userID) {
			s.mu.Unlock()
			s.notify(&pubsub.LiveUserOffline{UserID: userID})
			return
		}
	case transport.EventUserTyping:
		userID := ev.Data.Get("userId").Str
		memoryID := ev.Data.Get("memoryId").Str
		capsuleID := ev.Data.Get("capsuleId").Str
		isTyping := ev.Data.Get("isTyping").Bool()
		var changed bool
		if isTyping {
			changed = s.typing.SetTyping(userID, memoryID, capsuleID, metadataFrom(ev.Data.Get("user")))
		} else {
			changed = s.typing.ClearTyping(userID, memoryID)
		}
		if changed {
			s.mu.Unlock()
			s.notify(&pubsub.LiveTyping{
				UserID:    userID,
				MemoryID:  memoryID,
				CapsuleID: capsuleID,
				IsTyping:  isTyping,
				Metadata:  metadataFrom(ev.Data.Get("user")),
			})
			return
		}
	case transport.EventLiveReaction:
		r := s.reactions.Push(Reaction{
			Emoji:     ev.Data.Get("emoji").Str,
			UserID:    ev.Data.Get("userId").Str,
			MemoryID:  ev.Data.Get("memoryId").Str,
			CapsuleID: ev.Data.Get("capsuleId").Str,
			Metadata:  metadataFrom(ev.Data.Get("user")),
		})
		s.mu.Unlock()
		s.notify(&pubsub.LiveReaction{
			ID:        r.ID,
			Emoji:     r.Emoji,
			UserID:    r.UserID,
			MemoryID:  r.MemoryID,
			CapsuleID: r.CapsuleID,
			Metadata:  r.Metadata,
		})
		return
	case transport.EventError:
		message := ev.Data.Get("message").Str
		if message == "" && ev.Data.Type == gjson.String {
			message = ev.Data.Str
		}
		s.mu.Unlock()
		// server-reported application error: surfaced, connection kept
		s.logger.Warn().Str("message", message).Msg("server reported error")
		s.notify(&pubsub.LiveError{Message: message, Fatal: false})
		return
	default:
		s.logger.Trace().Str("event", ev.Name).Msg("ignoring unknown event")
	}
	s.mu.Unlock()
}

func (s *Session) notify(p pubsub.Payload) {
	if err := s.notifier.Notify(pubsub.ChanLive, p); err != nil {
		s.logger.Warn().Err(err).Str("payload", p.Type()).Msg("failed to publish payload")
	}
}

// metadataFrom flattens the opaque user object from a wire event into display
// metadata. Nested values are kept as raw JSON strings; the client never
// interprets them.
func metadataFrom(result gjson.Result) map[string]string {
	if !result.Exists() || !result.IsObject() {
		return nil
	}
	metadata := make(map[string]string)
	result.ForEach(func(key, value gjson.Result) bool {
		metadata[key.Str] = value.String()
		return true
	})
	return metadata
}
