// Package room keeps one chat room's message log and roster consistent while
// frames stream in over the broker and the initial snapshot loads over REST.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"chatsession/client/metrics"
	"chatsession/client/model"
	"chatsession/client/transport"

	"golang.org/x/sync/errgroup"
)

const (
	topicPrefix        = "/topic/chat/room/"
	publishDestination = "/app/chat/message"
)

// Topic is the broker topic carrying a room's frames.
func Topic(roomID int64) string {
	return fmt.Sprintf("%s%d", topicPrefix, roomID)
}

// State is the lifecycle state of a Session.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateLive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadyOpened      = errors.New("room: session already opened")
	ErrSubscriptionActive = errors.New("room: a room subscription is already active")
	ErrEmptyMessage       = errors.New("room: empty message")
	ErrNotLive            = errors.New("room: not live")
	ErrNotConnected       = errors.New("room: not connected")
	ErrClosed             = errors.New("room: closed")
)

// claims maps each Transport to the Session holding its room subscription.
var claims sync.Map

// Fetcher loads a room's initial snapshot.
type Fetcher interface {
	Messages(ctx context.Context, roomID int64) ([]model.Message, error)
	RoomInfo(ctx context.Context, roomID int64) (model.RoomInfo, error)
}

// Transport is the broker connection. *transport.Client satisfies it.
type Transport interface {
	Connect(onConnected func(), onError func(error))
	Disconnect()
	Subscribe(topic string, handler transport.Handler) string
	Unsubscribe(id string)
	Publish(destination string, payload any) error
	Connected() bool
}

// View is what the page layer renders.
type View struct {
	RoomID       int64
	RoomName     string
	Participants []model.Participant
	Messages     []model.Message
	ConnectionOK bool
	State        State
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithCollector counts malformed frames.
func WithCollector(m *metrics.Collector) Option {
	return func(s *Session) { s.collector = m }
}

// WithPresence announces JOIN after the first connect and LEAVE on Close.
func WithPresence(enabled bool) Option {
	return func(s *Session) { s.presence = enabled }
}

// OnChange is called with a fresh View after every state change.
func OnChange(fn func(View)) Option {
	return func(s *Session) { s.onChange = fn }
}

// OnMessage is called for every frame applied to the log, in log order.
// Frames buffered during loading are reported from the goroutine that
// called Open.
func OnMessage(fn func(model.Message)) Option {
	return func(s *Session) { s.onMessage = fn }
}

// Session is one opened room. It owns its transport: Close disconnects it.
// A Session is opened at most once.
type Session struct {
	identity  model.Identity
	fetcher   Fetcher
	tr        Transport
	logger    *slog.Logger
	collector *metrics.Collector
	presence  bool
	onChange  func(View)
	onMessage func(model.Message)

	emitMu sync.Mutex // held from applying a frame through reporting it

	mu       sync.Mutex
	state    State
	ctx      context.Context // done once the session is closed
	cancel   context.CancelFunc
	roomID   int64
	roomName string
	roster   []model.Participant
	messages []model.Message
	pending  []model.Message // frames received while loading
	failed   bool
	subID    string
	joined   bool
}

// NewSession creates an idle session that will act as identity.
func NewSession(identity model.Identity, fetcher Fetcher, tr Transport, opts ...Option) *Session {
	s := &Session{
		identity: identity,
		fetcher:  fetcher,
		tr:       tr,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "room")
	return s
}

// Open subscribes to the room, connects, and loads history and room info
// concurrently. Frames that arrive before the snapshot are applied after it,
// in receipt order. A fetch error is returned as is and not retried; the
// caller must still Close the session.
func (s *Session) Open(ctx context.Context, roomID int64) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyOpened
	}
	if _, taken := claims.LoadOrStore(s.tr, s); taken {
		s.mu.Unlock()
		s.logger.Error("transport already carries a room subscription", "room_id", roomID)
		return ErrSubscriptionActive
	}
	s.state = StateLoading
	s.roomID = roomID
	s.ctx, s.cancel = context.WithCancel(context.Background())
	life := s.ctx
	s.mu.Unlock()

	s.logger.Info("opening room", "room_id", roomID)
	s.notify()

	topic := Topic(roomID)
	id := s.tr.Subscribe(topic, func(body []byte) { s.handleFrame(life, topic, body) })
	s.mu.Lock()
	if life.Err() != nil {
		s.mu.Unlock()
		s.tr.Unsubscribe(id)
		return ErrClosed
	}
	s.subID = id
	s.mu.Unlock()
	s.tr.Connect(func() { s.handleConnected(life) }, func(err error) {
		if life.Err() != nil {
			return
		}
		s.logger.Warn("broker connection lost", "room_id", roomID, "error", err)
		s.notify()
	})
	if life.Err() != nil {
		// Closed while connecting.
		s.tr.Disconnect()
		return ErrClosed
	}

	var (
		history []model.Message
		info    model.RoomInfo
	)
	fetchCtx, cancelFetch := context.WithCancel(ctx)
	defer cancelFetch()
	stop := context.AfterFunc(life, cancelFetch)
	defer stop()

	g, gctx := errgroup.WithContext(fetchCtx)
	g.Go(func() error {
		var err error
		history, err = s.fetcher.Messages(gctx, roomID)
		return err
	})
	g.Go(func() error {
		var err error
		info, err = s.fetcher.RoomInfo(gctx, roomID)
		return err
	})
	err := g.Wait()

	s.emitMu.Lock()
	s.mu.Lock()
	if life.Err() != nil {
		s.mu.Unlock()
		s.emitMu.Unlock()
		return ErrClosed
	}
	if err != nil {
		s.failed = true
		s.pending = nil
		s.mu.Unlock()
		s.emitMu.Unlock()
		s.logger.Warn("room fetch failed", "room_id", roomID, "error", err)
		return fmt.Errorf("open room %d: %w", roomID, err)
	}

	s.roomName = info.RoomName
	s.roster = uniqueParticipants(info.Participants)
	s.messages = slices.Clone(history)
	if s.messages == nil {
		s.messages = []model.Message{}
	}
	buffered := s.pending
	s.pending = nil
	for _, msg := range buffered {
		s.applyLocked(msg)
	}
	s.state = StateLive
	s.mu.Unlock()
	for _, msg := range buffered {
		s.emit(msg)
	}
	s.emitMu.Unlock()

	s.logger.Info("room live", "room_id", roomID, "history", len(history), "buffered", len(buffered))
	s.notify()
	return nil
}

// Send publishes a TALK frame. The message shows up in the log only when the
// broker echoes it back.
func (s *Session) Send(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	if s.state != StateLive {
		s.mu.Unlock()
		return ErrNotLive
	}
	roomID := s.roomID
	s.mu.Unlock()

	if !s.tr.Connected() {
		return ErrNotConnected
	}
	err := s.tr.Publish(publishDestination, model.Message{
		Type:           model.MessageTypeTalk,
		RoomID:         roomID,
		SenderID:       s.identity.ID,
		SenderNickname: s.identity.DisplayName,
		Text:           text,
	})
	if errors.Is(err, transport.ErrNotConnected) {
		return ErrNotConnected
	}
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Close unsubscribes, disconnects the transport, and discards any in-flight
// fetch result or late frame. Calling it again does nothing.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = StateClosed
	if s.cancel != nil {
		s.cancel()
	}
	subID := s.subID
	s.subID = ""
	s.pending = nil
	roomID := s.roomID
	leave := s.presence && s.joined
	s.mu.Unlock()

	if prev != StateIdle {
		if leave && s.tr.Connected() {
			if err := s.tr.Publish(publishDestination, s.presenceMessage(model.MessageTypeLeave, roomID)); err != nil {
				s.logger.Debug("leave not announced", "room_id", roomID, "error", err)
			}
		}
		if subID != "" {
			s.tr.Unsubscribe(subID)
		}
		s.tr.Disconnect()
		claims.CompareAndDelete(s.tr, s)
		s.logger.Info("room closed", "room_id", roomID)
	}
	s.notify()
}

// View returns a snapshot for rendering.
func (s *Session) View() View {
	connected := s.tr.Connected()

	s.mu.Lock()
	defer s.mu.Unlock()
	return View{
		RoomID:       s.roomID,
		RoomName:     s.roomName,
		Participants: slices.Clone(s.roster),
		Messages:     slices.Clone(s.messages),
		ConnectionOK: connected && s.state != StateClosed,
		State:        s.state,
	}
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) handleConnected(life context.Context) {
	s.mu.Lock()
	if life.Err() != nil {
		s.mu.Unlock()
		return
	}
	announce := s.presence && !s.joined
	s.joined = s.joined || s.presence
	roomID := s.roomID
	s.mu.Unlock()

	s.logger.Debug("broker connected", "room_id", roomID)
	if announce {
		if err := s.tr.Publish(publishDestination, s.presenceMessage(model.MessageTypeJoin, roomID)); err != nil {
			s.logger.Warn("join not announced", "room_id", roomID, "error", err)
		}
	}
	s.notify()
}

func (s *Session) handleFrame(life context.Context, topic string, body []byte) {
	if life.Err() != nil {
		return
	}
	var msg model.Message
	if err := json.Unmarshal(body, &msg); err != nil || !msg.Type.Valid() {
		s.collector.RecordMalformed(topic)
		s.logger.Warn("dropping malformed frame", "topic", topic, "error", err)
		return
	}

	s.emitMu.Lock()
	s.mu.Lock()
	if life.Err() != nil || s.failed {
		s.mu.Unlock()
		s.emitMu.Unlock()
		return
	}
	// The topic already scopes frames to the room; a missing roomId means this one.
	if msg.RoomID == 0 {
		msg.RoomID = s.roomID
	}
	if msg.RoomID != s.roomID {
		s.mu.Unlock()
		s.emitMu.Unlock()
		s.logger.Debug("frame for another room", "room_id", msg.RoomID, "topic", topic)
		return
	}
	switch s.state {
	case StateLoading:
		s.pending = append(s.pending, msg)
		s.mu.Unlock()
		s.emitMu.Unlock()
		return
	case StateLive:
		s.applyLocked(msg)
	default:
		s.mu.Unlock()
		s.emitMu.Unlock()
		return
	}
	s.mu.Unlock()
	s.emit(msg)
	s.emitMu.Unlock()

	s.notify()
}

// applyLocked appends msg and, for a JOIN or LEAVE carrying a roster,
// replaces the roster with it first.
func (s *Session) applyLocked(msg model.Message) {
	if msg.Type.IsNotification() && msg.Participants != nil {
		s.roster = uniqueParticipants(msg.Participants)
	}
	s.messages = append(s.messages, msg)
}

func (s *Session) presenceMessage(kind model.MessageType, roomID int64) model.Message {
	return model.Message{
		Type:           kind,
		RoomID:         roomID,
		SenderID:       s.identity.ID,
		SenderNickname: s.identity.DisplayName,
	}
}

func (s *Session) emit(msg model.Message) {
	if s.onMessage != nil {
		s.onMessage(msg)
	}
}

func (s *Session) notify() {
	if s.onChange != nil {
		s.onChange(s.View())
	}
}

// uniqueParticipants collapses entries with the same user id. An entry keeps
// the position of its first occurrence and the value of its last.
func uniqueParticipants(in []model.Participant) []model.Participant {
	out := make([]model.Participant, 0, len(in))
	index := make(map[int64]int, len(in))
	for _, p := range in {
		if i, ok := index[p.UserID]; ok {
			out[i] = p
			continue
		}
		index[p.UserID] = len(out)
		out = append(out, p)
	}
	return out
}
