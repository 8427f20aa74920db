// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlchan

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jnxsdk/flowengine/internal/errkind"
	"github.com/jnxsdk/flowengine/internal/logging"
	"github.com/jnxsdk/flowengine/internal/metrics"
	"golang.org/x/time/rate"
)

// maxSendAttempts bounds an outbound send's retry loop before the
// message is dropped, per the resolved disposition for a management
// process that will not accept data: never abort the data process.
const maxSendAttempts = 100

// Handler processes one decoded sub-message and returns the response
// payload (nil if none) and the ErrCode to report back.
type Handler func(sub Sub) ([]byte, ErrCode)

// Dialer opens the outbound connection to the management process;
// tests substitute a fake.
type Dialer func(ctx context.Context) (net.Conn, error)

// Server is C7's data-process side of the control channel: it accepts
// requests from the management process, dispatches them by SubType,
// and separately carries buffered event notifications (equilibrium's
// server up/down transitions) back out, replaying its full catalog
// whenever the connection is reestablished.
type Server struct {
	dial        Dialer
	reconnectIn time.Duration
	limiter     *rate.Limiter
	log         *logging.Logger
	metrics     *metrics.Metrics

	handlers map[SubType]Handler

	// replay, if set, is called once per reconnect to rebuild the
	// management process's view of the catalog: sendReplay sends a
	// DELETE_ALL sub followed by the subs replay returns, in the order
	// returned.
	replay func() []Sub

	mu       sync.Mutex
	conn     net.Conn
	events   []Sub // FIFO of outbound event subs pending a connected peer
	seqID    uint16
	closedCh chan struct{}
}

// Config wires a Server to its transport and domain handlers.
type Config struct {
	Dial        Dialer
	ReconnectIn time.Duration
	Replay      func() []Sub
	Metrics     *metrics.Metrics
	Log         *logging.Logger
}

// NewServer returns a Server with no handlers registered; use
// SetHandler (or SetHandlers) before calling Run.
func NewServer(cfg Config) *Server {
	if cfg.ReconnectIn <= 0 {
		cfg.ReconnectIn = 5 * time.Second
	}
	log := cfg.Log
	if log == nil {
		log = logging.Default()
	}
	return &Server{
		dial:        cfg.Dial,
		reconnectIn: cfg.ReconnectIn,
		replay:      cfg.Replay,
		limiter:     rate.NewLimiter(rate.Limit(50), 50),
		log:         log.WithComponent("ctlchan"),
		metrics:     cfg.Metrics,
		handlers:    make(map[SubType]Handler),
		closedCh:    make(chan struct{}),
	}
}

// SetHandler registers the handler invoked for every inbound sub of
// the given type, mirroring the teacher's dependency-injection setter
// idiom for wiring subsystems post-construction.
func (s *Server) SetHandler(t SubType, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[t] = h
}

// Run drives the connect/serve/reconnect loop until ctx is cancelled.
// Engine.Run supervises it in an errgroup.Group together with the ager.
func (s *Server) Run(ctx context.Context) error {
	defer close(s.closedCh)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := s.dial(ctx)
		if err != nil {
			s.log.Warn("ctlchan dial failed, retrying", "error", err, "retry_in", s.reconnectIn)
			if s.metrics != nil {
				s.metrics.CtlChanReconnects.Inc()
			}
			if !sleepCtx(ctx, s.reconnectIn) {
				return ctx.Err()
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		s.log.Info("ctlchan connected")
		if s.replay != nil {
			s.sendReplay()
		}
		s.FlushBufferedEvents()

		err = s.serve(ctx, conn)
		conn.Close()

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("ctlchan disconnected, reconnecting", "error", err, "retry_in", s.reconnectIn)
		if s.metrics != nil {
			s.metrics.CtlChanReconnects.Inc()
		}
		if !sleepCtx(ctx, s.reconnectIn) {
			return ctx.Err()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// sendReplay pushes a DELETE_ALL sub followed by the full catalog
// snapshot, so a reconnecting management process always starts from a
// known-consistent state rather than a diff against history it may
// have lost.
func (s *Server) sendReplay() {
	subs := append([]Sub{{Header: SubHeader{SubType: SubTypeDeleteAll}}}, s.replay()...)
	hdr := MessageHeader{MsgType: MsgTypeEvent, SequenceID: s.nextSeq()}
	for _, batch := range batchSubs(subs) {
		if err := s.sendWithRetry(hdr, batch); err != nil {
			s.log.Error("ctlchan replay send failed", "error", err)
			return
		}
	}
}

func batchSubs(subs []Sub) [][]Sub {
	var batches [][]Sub
	for len(subs) > MaxSubsPerMessage {
		batches = append(batches, subs[:MaxSubsPerMessage])
		subs = subs[MaxSubsPerMessage:]
	}
	return append(batches, subs)
}

// serve reads request frames from conn, dispatches each sub to its
// registered handler, and writes back one response frame per request.
func (s *Server) serve(ctx context.Context, conn net.Conn) error {
	errCh := make(chan error, 1)
	go func() {
		for {
			frame, err := ReadFrame(conn)
			if err != nil {
				errCh <- err
				return
			}
			s.handleFrame(frame)
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleFrame(frame Frame) {
	resp := make([]Sub, 0, len(frame.Subs))
	for _, sub := range frame.Subs {
		s.mu.Lock()
		h, ok := s.handlers[sub.Header.SubType]
		s.mu.Unlock()
		if !ok {
			resp = append(resp, Sub{Header: SubHeader{SubType: sub.Header.SubType, OpCode: sub.Header.OpCode, ErrCode: ErrMessageInvalid}})
			continue
		}
		payload, code := h(sub)
		resp = append(resp, Sub{Header: SubHeader{SubType: sub.Header.SubType, OpCode: sub.Header.OpCode, ErrCode: code}, Payload: payload})
	}
	batches := batchSubs(resp)
	for i, batch := range batches {
		hdr := MessageHeader{MsgType: MsgTypeResponse, SequenceID: frame.Header.SequenceID, More: i < len(batches)-1}
		if err := s.sendWithRetry(hdr, batch); err != nil {
			s.log.Error("ctlchan response send failed", "error", err, "sequence_id", frame.Header.SequenceID)
			return
		}
	}
}

// Notify enqueues an unsolicited event sub (a server up/down
// transition) for delivery to the management process. Each call draws
// a correlation id that is written to the debug log only; it is not
// sent to the peer.
func (s *Server) Notify(sub Sub) {
	corrID := uuid.New()
	s.log.Debug("ctlchan event queued", "sub_type", sub.Header.SubType, "correlation_id", corrID)

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		s.mu.Lock()
		s.events = append(s.events, sub)
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.CtlChanBuffered.Set(float64(len(s.events)))
		}
		return
	}

	hdr := MessageHeader{MsgType: MsgTypeEvent, SequenceID: s.nextSeq()}
	if err := s.sendWithRetry(hdr, []Sub{sub}); err != nil {
		s.log.Warn("ctlchan event send failed, buffering", "error", err)
		s.mu.Lock()
		s.events = append(s.events, sub)
		s.mu.Unlock()
	}
}

func (s *Server) nextSeq() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqID++
	return s.seqID
}

// sendWithRetry attempts to write one frame up to maxSendAttempts
// times, rate-limited, before giving up and dropping it — the
// resolved disposition for a management process that will not accept
// data: never crash the data process over a stalled peer.
func (s *Server) sendWithRetry(hdr MessageHeader, subs []Sub) error {
	var lastErr error
	for attempt := 0; attempt < maxSendAttempts; attempt++ {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return errkind.New(errkind.KindManagerDisconnected, "ctlchan: no connection")
		}

		if err := s.limiter.Wait(context.Background()); err != nil {
			return err
		}
		if err := WriteFrame(conn, hdr, subs); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return errkind.Wrapf(lastErr, errkind.KindManagerDisconnected, "ctlchan: exhausted %d send attempts", maxSendAttempts)
}

// FlushBufferedEvents re-sends every event queued while disconnected,
// called once after a successful reconnect and replay.
func (s *Server) FlushBufferedEvents() {
	s.mu.Lock()
	pending := s.events
	s.events = nil
	s.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	for _, batch := range batchSubs(pending) {
		hdr := MessageHeader{MsgType: MsgTypeEvent, SequenceID: s.nextSeq()}
		if err := s.sendWithRetry(hdr, batch); err != nil {
			s.log.Error("ctlchan buffered event flush failed", "error", err)
			s.mu.Lock()
			s.events = append(batch, s.events...)
			s.mu.Unlock()
			return
		}
	}
	if s.metrics != nil {
		s.metrics.CtlChanBuffered.Set(float64(len(s.events)))
	}
}
