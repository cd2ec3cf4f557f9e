package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultDisplayName is the sender name used until an identity resolves.
const DefaultDisplayName = "Anonymous"

// State is the connection state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFollowing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFollowing:
		return "following"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Renderer consumes received messages one at a time.
type Renderer interface {
	Render(Message)
}

// RenderFunc adapts a function to the Renderer interface.
type RenderFunc func(Message)

func (f RenderFunc) Render(m Message) { f(m) }

// Option configures a Session.
type Option func(*Session)

func WithRenderer(r Renderer) Option {
	return func(s *Session) { s.renderer = r }
}

func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithErrorHandler registers the diagnostic sink for errors that happen on
// the transport goroutine (dial, read, decode, backend replies).
func WithErrorHandler(fn func(error)) Option {
	return func(s *Session) { s.onError = fn }
}

// WithStateHandler is called after every state transition.
func WithStateHandler(fn func(State)) Option {
	return func(s *Session) { s.onState = fn }
}

// WithFollowLimit sets how many history messages the follow request asks for.
func WithFollowLimit(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.followLimit = n
		}
	}
}

// WithStringParams encodes follow/limit as JSON strings for backends that
// decode request headers into a string map.
func WithStringParams(on bool) Option {
	return func(s *Session) { s.stringParams = on }
}

// Session is one chat connection bound to a thread and a sender mailbox.
// All methods are safe for concurrent use.
type Session struct {
	renderer     Renderer
	dialer       Dialer
	logger       zerolog.Logger
	onError      func(error)
	onState      func(State)
	followLimit  int
	stringParams bool

	mu        sync.Mutex
	threadID  string
	mailboxID string
	labels    Labels
	state     State
	pageReady bool
	following bool
	conn      Conn
	started   bool
	closed    bool

	// writeMu keeps the two frames of an insert adjacent on the wire.
	writeMu sync.Mutex

	done     chan struct{}
	doneOnce sync.Once
}

func NewSession(opts ...Option) *Session {
	s := &Session{
		renderer:    RenderFunc(func(Message) {}),
		dialer:      WebSocketDialer{},
		logger:      log.Logger,
		followLimit: DefaultFollowLimit,
		labels:      Labels{LabelSenderName: DefaultDisplayName},
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Configure binds the session to a thread and sender mailbox. The binding
// cannot change afterwards.
func (s *Session) Configure(threadID, mailboxID string) error {
	threadID = strings.TrimSpace(threadID)
	mailboxID = strings.TrimSpace(mailboxID)
	if threadID == "" {
		return fmt.Errorf("%w: thread id is required", ErrConfiguration)
	}
	if mailboxID == "" {
		return fmt.Errorf("%w: mailbox id is required", ErrConfiguration)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.threadID != "" {
		if s.threadID == threadID && s.mailboxID == mailboxID {
			return nil
		}
		return fmt.Errorf("%w: session already bound to thread %s", ErrConfiguration, s.threadID)
	}
	s.threadID = threadID
	s.mailboxID = mailboxID
	return nil
}

func (s *Session) ThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

func (s *Session) MailboxID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mailboxID
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Following reports whether the follow request has been issued.
func (s *Session) Following() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.following
}

// Done is closed once the transport has closed or failed to open.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// IdentityResolved updates the sender labels attached to outgoing messages.
func (s *Session) IdentityResolved(displayName, externalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	labels := Labels{}
	if name := strings.TrimSpace(displayName); name != "" {
		labels[LabelSenderName] = name
	} else {
		labels[LabelSenderName] = DefaultDisplayName
	}
	if id := strings.TrimSpace(externalID); id != "" {
		labels[LabelSenderExternalID] = id
	}
	s.labels = labels
}

// Connect dials endpoint in the background and returns immediately. The
// session follows the thread once both the transport is open and PageReady
// has been called. Dial and read failures go to the error handler.
func (s *Session) Connect(ctx context.Context, endpoint string) error {
	if strings.TrimSpace(endpoint) == "" {
		return fmt.Errorf("%w: endpoint is required", ErrConfiguration)
	}
	s.mu.Lock()
	if s.threadID == "" {
		s.mu.Unlock()
		return fmt.Errorf("%w: configure before connecting", ErrConfiguration)
	}
	if s.started || s.conn != nil || s.closed {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.started = true
	s.state = StateConnecting
	s.mu.Unlock()
	s.emitState(StateConnecting)

	go s.run(ctx, endpoint)
	return nil
}

func (s *Session) run(ctx context.Context, endpoint string) {
	conn, err := s.dialer.Dial(ctx, endpoint)
	if err != nil {
		s.TransportClosed(fmt.Errorf("%w: %w", ErrTransport, err))
		return
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := s.TransportOpened(conn); err != nil {
		s.report(err)
	}
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || isNormalClose(err) {
				err = nil
			} else {
				err = fmt.Errorf("%w: read: %w", ErrTransport, err)
			}
			_ = conn.Close()
			s.TransportClosed(err)
			return
		}
		if err := s.HandleFrame(data); err != nil {
			s.report(err)
		}
	}
}

// TransportOpened attaches an open connection. It is called by Connect, or
// directly by hosts that own the socket.
func (s *Session) TransportOpened(conn Conn) error {
	s.mu.Lock()
	if s.threadID == "" {
		s.mu.Unlock()
		return fmt.Errorf("%w: configure before connecting", ErrConfiguration)
	}
	if s.conn != nil || s.closed {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.conn = conn
	s.started = true
	s.state = StateConnected
	follow := s.claimFollowLocked()
	threadID := s.threadID
	s.mu.Unlock()

	s.logger.Info().Str("thread", threadID).Msg("[chat] connection opened")
	s.emitState(StateConnected)
	if follow {
		return s.startFollowing(conn)
	}
	return nil
}

// PageReady marks the UI as initialized.
func (s *Session) PageReady() error {
	s.mu.Lock()
	s.pageReady = true
	follow := s.claimFollowLocked()
	conn := s.conn
	s.mu.Unlock()

	if follow {
		return s.startFollowing(conn)
	}
	return nil
}

// claimFollowLocked sets the following flag if the session is ready to
// follow and has not done so yet. The caller that gets true sends the request.
func (s *Session) claimFollowLocked() bool {
	if s.following || !s.pageReady || s.state != StateConnected {
		return false
	}
	s.following = true
	return true
}

func (s *Session) startFollowing(conn Conn) error {
	s.mu.Lock()
	threadID := s.threadID
	s.mu.Unlock()

	req, err := encodeFollow(threadID, s.followLimit, s.stringParams)
	if err != nil {
		return fmt.Errorf("encode follow request: %w", err)
	}
	s.writeMu.Lock()
	err = write(conn, req)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("follow thread: %w", err)
	}

	s.mu.Lock()
	advanced := s.state == StateConnected
	if advanced {
		s.state = StateFollowing
	}
	s.mu.Unlock()
	if advanced {
		s.logger.Info().Str("thread", threadID).Int("limit", s.followLimit).Msg("[chat] following thread")
		s.emitState(StateFollowing)
	}
	return nil
}

// Send writes an insert for body. Caller labels override the identity labels.
func (s *Session) Send(body string, labels Labels) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrTransportClosed
	case s.state != StateFollowing:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: session is %s", ErrNotConnected, state)
	}
	conn := s.conn
	threadID, mailboxID := s.threadID, s.mailboxID
	merged := s.labels.Merge(labels)
	s.mu.Unlock()

	header, payload, err := encodeInsert(threadID, mailboxID, body, merged)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := write(conn, header); err != nil {
		return err
	}
	return write(conn, payload)
}

// HandleFrame decodes one inbound frame and renders its messages. On error
// the frame is dropped and nothing is rendered.
func (s *Session) HandleFrame(raw []byte) error {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		return err
	}
	switch env.Kind {
	case KindFailure:
		return fmt.Errorf("%w: %s", ErrBackend, env.Failure)
	case KindAck:
		s.logger.Debug().Str("message", env.Messages[0].ID).Msg("[chat] insert acknowledged")
		return nil
	}
	for _, m := range env.RenderOrder() {
		s.renderer.Render(m)
	}
	return nil
}

// TransportClosed moves the session to Disconnected. err is the cause, nil
// for an orderly close. No reconnection is attempted.
func (s *Session) TransportClosed(err error) {
	s.mu.Lock()
	changed := s.state != StateDisconnected
	s.state = StateDisconnected
	if s.conn != nil {
		s.closed = true
	}
	threadID := s.threadID
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn().Err(err).Str("thread", threadID).Msg("[chat] connection closed")
		s.report(err)
	} else {
		s.logger.Info().Str("thread", threadID).Msg("[chat] connection closed")
	}
	if changed {
		s.emitState(StateDisconnected)
	}
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) report(err error) {
	if err == nil {
		return
	}
	s.logger.Debug().Err(err).Msg("[chat] session error")
	if s.onError != nil {
		s.onError(err)
	}
}

func (s *Session) emitState(st State) {
	if s.onState != nil {
		s.onState(st)
	}
}

func write(conn Conn, data []byte) error {
	if conn == nil {
		return ErrNotConnected
	}
	err := conn.WriteMessage(data)
	if err == nil || errors.Is(err, ErrTransportClosed) || errors.Is(err, ErrTransport) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}
