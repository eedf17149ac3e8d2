package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/labctl/internal/observability"
	"github.com/danmuck/labctl/internal/protocol/document"
	"github.com/danmuck/labctl/internal/protocol/frame"
	"github.com/danmuck/labctl/internal/protocol/message"
	"github.com/danmuck/labctl/internal/protocol/notify"
	"github.com/danmuck/labctl/internal/protocol/reply"
	"github.com/danmuck/labctl/internal/protocol/schema"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RunResult is published once per protocol run.
type RunResult struct {
	Protocol string
	Folder   string
	State    notify.State
	Err      error
}

// Snapshot is a point-in-time view of a Session for diagnostics.
type Snapshot struct {
	ID               string `json:"id"`
	Address          string `json:"address"`
	State            string `json:"state"`
	LastNotification string `json:"last_notification"`
	Protocol         string `json:"protocol,omitempty"`
	Folder           string `json:"folder,omitempty"`
	PendingReplies   int    `json:"pending_replies"`
}

type Option func(*Session)

// WithSchema replaces the schema loaded from Config.SchemaPath.
func WithSchema(s schema.Schema) Option {
	return func(sess *Session) { sess.schema = s }
}

// WithClock sets the time source used for shim records.
func WithClock(now func() time.Time) Option {
	return func(sess *Session) { sess.now = now }
}

// Session is one connection to an instrument. A single reader goroutine owns
// inbound bytes; callers talk to it through the reply store and the gate.
type Session struct {
	cfg     Config
	id      string
	log     zerolog.Logger
	schema  schema.Schema
	store   *reply.Store
	waiter  *reply.Waiter
	gate    *gate
	results chan RunResult
	rng     *rand.Rand
	now     func() time.Time

	cmdMu   sync.Mutex
	writeMu sync.Mutex

	mu         sync.Mutex
	conn       net.Conn
	done       chan struct{}
	connCtx    context.Context
	connCancel context.CancelFunc
	closing    bool
	handshake  document.Document
	catalog    Catalog

	run         notify.Run
	lastState   notify.State
	runProtocol string
	runFolder   string
	published   bool
}

func New(cfg Config, opts ...Option) (*Session, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		cfg:     cfg,
		id:      uuid.NewString(),
		store:   reply.NewStore(),
		results: make(chan RunResult, cfg.ResultBuffer),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
	s.schema = schema.LoadOrDefault(cfg.SchemaPath)
	for _, opt := range opts {
		opt(s)
	}
	s.log = log.With().
		Str("component", "session").
		Str("session", s.id).
		Str("address", cfg.Address).
		Logger()
	s.waiter = reply.NewWaiter(s.store, cfg.PollInterval)
	s.gate = newGate(func(st State) {
		observability.RecordSessionState(cfg.Address, st.String(), stateNames)
		s.log.Debug().Str("state", st.String()).Msg("session state changed")
	})
	return s, nil
}

func (s *Session) ID() string      { return s.id }
func (s *Session) Address() string { return s.cfg.Address }
func (s *Session) State() State    { return s.gate.Load() }
func (s *Session) Ready() bool     { return s.gate.Load() == StateReady }

// Results delivers one RunResult per protocol run.
func (s *Session) Results() <-chan RunResult { return s.results }

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:               s.id,
		Address:          s.cfg.Address,
		State:            s.gate.Load().String(),
		LastNotification: s.lastState.String(),
		Protocol:         s.runProtocol,
		Folder:           s.runFolder,
		PendingReplies:   s.store.Len(),
	}
}

// Connect dials the instrument, retrying with backoff up to
// MaxConnectAttempts (0 retries forever), then attaches the connection.
func (s *Session) Connect(ctx context.Context) error {
	var attempt int
	for {
		attempt++
		dialer := net.Dialer{Timeout: s.cfg.ConnectTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", s.cfg.Address)
		if err == nil {
			return s.Attach(conn)
		}
		s.log.Warn().Err(err).Int("attempt", attempt).Msg("dial failed")
		if !s.shouldRetry(attempt) {
			return fmt.Errorf("session: dial %s: %w", s.cfg.Address, err)
		}
		if err := s.sleepBackoff(ctx, attempt); err != nil {
			return err
		}
	}
}

func (s *Session) shouldRetry(attempt int) bool {
	if s.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < s.cfg.MaxConnectAttempts
}

func (s *Session) sleepBackoff(ctx context.Context, attempt int) error {
	timer := time.NewTimer(NextBackoffDelay(s.cfg.Backoff, attempt, s.rng))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Attach takes ownership of an established connection and starts the reader.
func (s *Session) Attach(conn net.Conn) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.conn = conn
	s.done = make(chan struct{})
	s.connCtx, s.connCancel = context.WithCancel(context.Background())
	s.closing = false
	s.handshake = document.Document{}
	s.catalog = nil
	s.resetRunLocked()
	done := s.done
	s.mu.Unlock()

	s.store.Clear("")
	s.gate.Set(StateNotReady)
	splitter := frame.NewSplitter(frame.WithMaxBuffer(s.cfg.MaxFrameBuffer))
	go s.readLoop(conn, splitter, done)
	s.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("connected")

	if s.cfg.Handshake {
		payload, err := message.Request(message.KindHardware, message.AckHardware).Encode()
		if err != nil {
			return err
		}
		if err := s.write(context.Background(), payload); err != nil {
			return fmt.Errorf("%w: handshake: %w", ErrNotConnected, err)
		}
	}
	return nil
}

// Close interrupts the reader, waits for it to exit and releases pending
// replies. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	conn, done := s.conn, s.done
	s.closing = true
	s.mu.Unlock()

	var err error
	if conn != nil {
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}
	if done != nil {
		<-done
	}
	s.store.Clear("")
	s.gate.Set(StateDisconnected)
	return err
}

func (s *Session) readLoop(conn net.Conn, splitter *frame.Splitter, done chan struct{}) {
	defer close(done)
	buf := make([]byte, s.cfg.ReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			splitter.Feed(buf[:n])
			for _, fragment := range splitter.Drain() {
				s.handleFragment(fragment)
			}
		}
		if err != nil {
			if rest := splitter.Flush(); len(bytes.TrimSpace(rest)) > 0 {
				s.handleFragment(rest)
			}
			s.fail(conn, err)
			return
		}
	}
}

// fail tears down conn after a transport error. Waiters observe
// Disconnected and give up with ErrNotConnected.
func (s *Session) fail(conn net.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	cancel := s.connCancel
	closing := s.closing
	s.mu.Unlock()

	_ = conn.Close()
	if cancel != nil {
		cancel()
	}
	s.gate.Set(StateDisconnected)
	if closing {
		s.log.Info().Msg("session closed")
		return
	}
	s.log.Error().Err(err).Msg("transport failed; session disconnected")
}

func (s *Session) handleFragment(fragment []byte) {
	doc, err := document.Parse(fragment)
	if err != nil {
		observability.RecordFrame(observability.FrameDropped)
		s.log.Warn().Err(err).Int("bytes", len(fragment)).Msg("dropping malformed frame")
		return
	}
	if err := s.schema.Validate(doc); err != nil {
		observability.RecordFrame(observability.FrameInvalid)
		s.log.Warn().Err(err).Str("kind", doc.Tag()).Msg("schema validation failed; keeping document")
	} else {
		observability.RecordFrame(observability.FrameParsed)
	}

	if notify.IsNotification(doc) {
		s.handleNotification(doc)
		return
	}
	if s.gate.Transition(StateReady, StateNotReady) {
		s.log.Debug().Str("kind", doc.Tag()).Msg("instrument answered")
		if s.cfg.Handshake && doc.Tag() == message.AckHardware {
			s.mu.Lock()
			s.handshake = doc
			s.mu.Unlock()
			return
		}
	}
	s.store.Push(doc)
}

func (s *Session) handleNotification(doc document.Document) {
	n, err := notify.Decode(doc)
	if err != nil {
		observability.RecordNotification(notify.StateUnknown.String())
		s.log.Warn().Err(err).Str("notification", doc.String()).Msg("classifying notification as UNKNOWN")
		return
	}
	observability.RecordNotification(n.State.String())

	s.mu.Lock()
	if n.State == notify.StateStarted || s.run.Last().Terminal() {
		s.resetRunLocked()
	}
	regression := s.run.Observe(n.State)
	s.lastState = n.State
	if n.Protocol != "" {
		s.runProtocol = n.Protocol
	}
	var result *RunResult
	switch n.State {
	case notify.StateStopping, notify.StateFinishing:
		if n.Folder != "" {
			s.runFolder = n.Folder
		}
		result = s.takeResultLocked(n.State, nil)
	case notify.StateCompleted:
		result = s.takeResultLocked(n.State, nil)
	case notify.StateError:
		result = s.takeResultLocked(n.State, fmt.Errorf("%w: %s", ErrInstrument, n.Message))
	}
	s.mu.Unlock()

	ev := s.log.Info()
	if n.State == notify.StateRunning {
		ev = s.log.Debug()
	}
	ev.Str("state", n.State.String()).
		Str("protocol", n.Protocol).
		Str("folder", n.Folder).
		Str("progress", n.Progress).
		Msg("status notification")
	if regression != nil {
		s.log.Warn().Err(regression).Msg("lifecycle out of order")
	}
	if result != nil {
		s.publish(*result)
	}
	switch n.State {
	case notify.StateStarted, notify.StateRunning, notify.StateCompleted, notify.StateError:
		if !s.gate.Release(n.State == notify.StateCompleted) {
			s.log.Debug().Str("state", n.State.String()).Msg("channel held by command in flight")
		}
	}
}

func (s *Session) resetRunLocked() {
	s.run = notify.Run{}
	s.runProtocol = ""
	s.runFolder = ""
	s.published = false
}

// takeResultLocked returns the run's result the first time it is asked for.
func (s *Session) takeResultLocked(st notify.State, err error) *RunResult {
	if s.published {
		return nil
	}
	s.published = true
	return &RunResult{Protocol: s.runProtocol, Folder: s.runFolder, State: st, Err: err}
}

func (s *Session) publish(r RunResult) {
	select {
	case s.results <- r:
	default:
		s.log.Warn().Str("protocol", r.Protocol).Str("folder", r.Folder).Msg("result channel full; dropping run result")
	}
}

// SendCommand transmits one command and waits for its acknowledgement.
// Calls are serialized: each holds the command lock for a full send/ack
// cycle and first waits for the gate to be Ready. Commands without an
// acknowledgement return a zero Document.
func (s *Session) SendCommand(ctx context.Context, spec message.RequestSpec) (document.Document, error) {
	doc, err := s.sendCommand(ctx, spec)
	observability.RecordCommand(spec.Kind, err)
	if err != nil {
		s.log.Warn().Err(err).Str("command", spec.String()).Msg("command failed")
	}
	return doc, err
}

func (s *Session) sendCommand(ctx context.Context, spec message.RequestSpec) (document.Document, error) {
	payload, err := spec.Encode()
	if err != nil {
		return document.Document{}, err
	}

	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	if !s.gate.Load().Connected() {
		return document.Document{}, ErrNotConnected
	}
	for {
		if err := s.gate.AwaitReady(ctx); err != nil {
			return document.Document{}, err
		}
		if s.gate.Begin(spec.Expect != "", spec.AwaitStatus) {
			break
		}
	}

	mark := s.store.LastSeq()
	if err := s.write(ctx, payload); err != nil {
		s.gate.Acked(false)
		return document.Document{}, fmt.Errorf("%w: write %s: %w", ErrNotConnected, spec, err)
	}
	s.log.Debug().Str("command", spec.String()).Uint64("mark", mark).Msg("command sent")

	if spec.Expect == "" {
		if !spec.AwaitStatus {
			s.gate.Acked(true)
		}
		return document.Document{}, nil
	}

	waitCtx, cancel := s.connScoped(ctx)
	defer cancel()
	ack, err := s.waiter.WaitForAfter(waitCtx, spec.Expect, s.cfg.ReplyTimeout, mark)
	if err != nil {
		s.gate.Acked(true)
		if !s.gate.Load().Connected() {
			return document.Document{}, fmt.Errorf("%w: waiting for %s", ErrNotConnected, spec.Expect)
		}
		return document.Document{}, fmt.Errorf("session: %s: %w", spec, err)
	}
	s.gate.Acked(!spec.AwaitStatus)
	if msg := strings.TrimSpace(ack.Kind().AttrOr("error", "")); msg != "" {
		return ack, fmt.Errorf("%w: %s: %s", ErrInstrument, spec.Kind, msg)
	}
	return ack, nil
}

// connScoped derives a context that is also cancelled when the transport
// goes away.
func (s *Session) connScoped(ctx context.Context) (context.Context, context.CancelFunc) {
	s.mu.Lock()
	connCtx := s.connCtx
	s.mu.Unlock()
	ctx, cancel := context.WithCancel(ctx)
	if connCtx == nil {
		return ctx, cancel
	}
	stop := context.AfterFunc(connCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Session) write(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetWriteDeadline(deadline)
	if _, err := conn.Write(payload); err != nil {
		s.fail(conn, err)
		return err
	}
	return nil
}

// AwaitResult blocks until the next run result, the context ends or the
// transport fails.
func (s *Session) AwaitResult(ctx context.Context) (RunResult, error) {
	ctx, cancel := s.connScoped(ctx)
	defer cancel()
	select {
	case r := <-s.results:
		return r, r.Err
	case <-ctx.Done():
		if !s.gate.Load().Connected() {
			return RunResult{}, ErrNotConnected
		}
		return RunResult{}, ctx.Err()
	}
}

func (s *Session) drainResults() {
	for {
		select {
		case r := <-s.results:
			s.log.Debug().Str("protocol", r.Protocol).Msg("discarding unclaimed run result")
		default:
			return
		}
	}
}
