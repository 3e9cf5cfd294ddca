// Package relay proxies a local card to the remote relay server over a
// long-lived TCP connection.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pinme/tacho-gateway/internal/apdu"
	"github.com/pinme/tacho-gateway/internal/core"
	"github.com/pinme/tacho-gateway/internal/lease"
	"github.com/pinme/tacho-gateway/internal/logging"
	"github.com/pinme/tacho-gateway/internal/metrics"
)

const (
	DefaultFirstTimeout  = 5 * time.Minute
	DefaultStreamTimeout = 5 * time.Minute
	dialTimeout          = 30 * time.Second
)

// State is the engine's position in the relay conversation.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingDownloadFlag
	StateAwaitingContact
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingDownloadFlag:
		return "awaiting_download_flag"
	case StateAwaitingContact:
		return "awaiting_contact"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome says why a run ended.
type Outcome string

const (
	OutcomeDialFailed Outcome = "dial_failed"
	OutcomeNoWork     Outcome = "no_work"
	OutcomeIdle       Outcome = "idle"
	OutcomePeerClosed Outcome = "peer_closed"
	OutcomeTimeout    Outcome = "timeout"
	OutcomeCardBusy   Outcome = "card_busy"
	OutcomeCardError  Outcome = "card_error"
	OutcomeCancelled  Outcome = "cancelled"
	OutcomeError      Outcome = "error"
)

// Config controls how engines reach the relay server.
type Config struct {
	// Addr returns host:port of the relay server; called once per run.
	Addr          func(ctx context.Context) (string, error)
	FirstTimeout  time.Duration
	StreamTimeout time.Duration
	// Dial defaults to a net.Dialer with a 30 second timeout.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (c Config) withDefaults() Config {
	if c.FirstTimeout <= 0 {
		c.FirstTimeout = DefaultFirstTimeout
	}
	if c.StreamTimeout <= 0 {
		c.StreamTimeout = DefaultStreamTimeout
	}
	if c.Dial == nil {
		d := &net.Dialer{Timeout: dialTimeout}
		c.Dial = d.DialContext
	}
	return c
}

// StaticAddr returns an Addr func for a fixed address.
func StaticAddr(addr string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return addr, nil }
}

// Engine runs one relay conversation for the card in one reader. Run may be
// called again after it returns; a single run never retries.
type Engine struct {
	cfg       Config
	transport core.Transport
	leases    *lease.Manager
	reader    string
	icc       string
	owner     lease.Owner

	mu    sync.Mutex
	state State
}

func NewEngine(cfg Config, transport core.Transport, leases *lease.Manager, reader, icc string) *Engine {
	return &Engine{
		cfg:       cfg.withDefaults(),
		transport: transport,
		leases:    leases,
		reader:    reader,
		icc:       icc,
		owner:     lease.RelayOwner(reader),
	}
}

func (e *Engine) Reader() string { return e.reader }

func (e *Engine) ICC() string { return e.icc }

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) logData(extra map[string]any) map[string]any {
	data := map[string]any{"reader": e.reader, "icc": e.icc}
	for k, v := range extra {
		data[k] = v
	}
	return data
}

// Run dials the relay server and drives the conversation until the server
// has no work, the connection closes, a timeout fires, the card fails or
// ctx is cancelled. The socket is closed on every return path.
func (e *Engine) Run(ctx context.Context) (outcome Outcome, err error) {
	defer func() {
		e.setState(StateClosed)
		metrics.RecordRelayRun(string(outcome))
	}()

	e.setState(StateConnecting)
	addr, err := e.cfg.Addr(ctx)
	if err != nil {
		return OutcomeDialFailed, fmt.Errorf("resolve relay address: %w", err)
	}
	conn, err := e.cfg.Dial(ctx, "tcp", addr)
	if err != nil {
		return OutcomeDialFailed, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	outcome, err = e.converse(conn)
	if ctx.Err() != nil && outcome != OutcomeNoWork {
		return OutcomeCancelled, ctx.Err()
	}
	return outcome, err
}

func (e *Engine) converse(conn net.Conn) (Outcome, error) {
	conn.SetWriteDeadline(time.Now().Add(e.cfg.FirstTimeout))
	if _, err := conn.Write(handshake(e.icc)); err != nil {
		return OutcomeError, fmt.Errorf("send handshake: %w", err)
	}

	e.setState(StateAwaitingDownloadFlag)
	conn.SetReadDeadline(time.Now().Add(e.cfg.FirstTimeout))
	pending, err := readFlag(conn)
	if err != nil {
		return readOutcome(err), fmt.Errorf("read download flag: %w", err)
	}
	if !pending {
		return OutcomeNoWork, nil
	}

	e.setState(StateAwaitingContact)
	conn.SetReadDeadline(time.Now().Add(e.cfg.FirstTimeout))
	var contact [1]byte
	if n, err := conn.Read(contact[:]); n == 0 {
		if err == nil {
			err = errPeerClosed
		}
		return OutcomeIdle, fmt.Errorf("await contact: %w", err)
	}

	return e.stream(conn)
}

func (e *Engine) stream(conn net.Conn) (Outcome, error) {
	if !e.leases.Acquire(e.icc, e.owner) {
		metrics.RecordLockConflict()
		return OutcomeCardBusy, errors.New("card is locked by another caller")
	}
	defer e.leases.ReleaseIfOwner(e.icc, e.owner)

	h, err := e.transport.Connect(e.reader)
	if err != nil {
		return OutcomeCardError, fmt.Errorf("connect card: %w", err)
	}
	defer h.Disconnect(core.Leave)

	atr, err := h.Attribute(core.AttrATR)
	if err != nil {
		return OutcomeCardError, fmt.Errorf("read ATR: %w", err)
	}

	e.setState(StateStreaming)
	logging.Info(logging.CatRelay, "Relay streaming", e.logData(nil))

	conn.SetWriteDeadline(time.Now().Add(e.cfg.StreamTimeout))
	if err := writeFrame(conn, TagATR, atr); err != nil {
		return OutcomeError, fmt.Errorf("send ATR: %w", err)
	}

	buf := make([]byte, readBufferSize)
	for {
		conn.SetReadDeadline(time.Now().Add(e.cfg.StreamTimeout))
		tag, payload, err := readFrame(conn, buf)
		if err != nil {
			if errors.Is(err, errPeerClosed) {
				return OutcomePeerClosed, nil
			}
			return readOutcome(err), fmt.Errorf("read frame: %w", err)
		}
		metrics.RecordRelayFrame(tagName(tag))

		conn.SetWriteDeadline(time.Now().Add(e.cfg.StreamTimeout))
		switch tag {
		case TagATR:
			if err := writeFrame(conn, TagATR, atr); err != nil {
				return OutcomeError, fmt.Errorf("resend ATR: %w", err)
			}

		case TagAPDU:
			if !e.leases.Acquire(e.icc, e.owner) {
				metrics.RecordLockConflict()
				return OutcomeCardBusy, errors.New("lease lost to another caller")
			}
			rsp, err := e.exchange(h, payload)
			if err != nil {
				return OutcomeCardError, err
			}
			if err := writeFrame(conn, TagAPDU, rsp); err != nil {
				return OutcomeError, fmt.Errorf("send APDU response: %w", err)
			}

		default:
			logging.Warn(logging.CatRelay, "Ignoring unknown frame", e.logData(map[string]any{
				"tag":  tag,
				"size": len(payload),
			}))
		}
	}
}

func (e *Engine) exchange(h core.Handle, cmd []byte) ([]byte, error) {
	if err := apdu.Validate(cmd); err != nil {
		logging.Debug(logging.CatRelay, "Short APDU sent uncorrected", e.logData(map[string]any{
			"size": len(cmd),
		}))
	}

	start := time.Now()
	rsp, err := h.Transmit(apdu.Correct(cmd))
	metrics.RecordAPDU(metrics.ModeRelay, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("transmit: %w", err)
	}
	return rsp, nil
}

func readOutcome(err error) Outcome {
	switch {
	case isTimeout(err):
		return OutcomeTimeout
	case errors.Is(err, errPeerClosed), errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return OutcomePeerClosed
	default:
		return OutcomeError
	}
}
