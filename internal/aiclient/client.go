// Package aiclient implements the AI Client: a TCP client speaking the
// length-prefixed inference protocol (internal/aiproto) with a flow-control
// window of one credit, a latest-wins pending-frame slot, heartbeats, and
// automatic reconnection with backoff (spec §4.5).
package aiclient

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/edge-agent/agent/internal/aiproto"
	"github.com/edge-agent/agent/internal/logging"
	"github.com/edge-agent/agent/pkg/model"
)

var (
	log    = logging.L("aiclient")
	tracer = otel.Tracer("github.com/edge-agent/agent/internal/aiclient")
)

// State is the connection lifecycle state (spec §4.5).
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReady
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// reconnectBackoff is the exponential-stepped reconnect schedule.
var reconnectBackoff = []time.Duration{
	500 * time.Millisecond,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

const (
	defaultInitOkTimeout   = 5 * time.Second
	defaultHeartbeatPeriod = 2 * time.Second
	defaultSilenceTimeout  = 10 * time.Second
	streamIDPrefix         = "edge"
)

// Callbacks are invoked from the client's internal goroutines and must not
// block for long.
type Callbacks struct {
	OnResult func(model.Result)
	OnError  func(err error)
}

// Client is the AI Client. One Client owns exactly one logical connection
// to the inference worker at a time.
type Client struct {
	addr     string
	initArgs aiproto.Init
	cb       Callbacks

	state atomic.Int32

	connMu sync.Mutex
	conn   net.Conn

	streamMu sync.Mutex
	streamID string

	seqCounter atomic.Uint64
	rxCount    atomic.Uint64

	credit  atomic.Bool
	pending struct {
		mu    sync.Mutex
		frame *model.Frame
	}
	wake chan struct{}

	lastRecvNs atomic.Int64

	attempt   int
	shutdown  chan struct{}
	shutOnce  sync.Once

	// handshakeTimeout, heartbeatPeriod, and silenceTimeout default to the
	// spec's §4.5 values but are fields (rather than consts) so tests can
	// exercise the timeout paths without real multi-second waits.
	handshakeTimeout time.Duration
	heartbeatPeriod  time.Duration
	silenceTimeout   time.Duration
}

// New creates a Client targeting addr. initArgs are sent on every handshake
// (including re-handshakes after a reconnect).
func New(addr string, initArgs aiproto.Init, cb Callbacks) *Client {
	return &Client{
		addr:             addr,
		initArgs:         initArgs,
		cb:               cb,
		wake:             make(chan struct{}, 1),
		shutdown:         make(chan struct{}),
		handshakeTimeout: defaultInitOkTimeout,
		heartbeatPeriod:  defaultHeartbeatPeriod,
		silenceTimeout:   defaultSilenceTimeout,
	}
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// Run drives the connect/handshake/serve/reconnect loop until ctx is
// cancelled or Shutdown is called.
func (c *Client) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.setState(StateShutdown)
			return
		case <-c.shutdown:
			c.setState(StateShutdown)
			return
		default:
		}

		if err := c.runOnce(ctx); err != nil {
			log.Warn("ai client connection ended", "error", err, "attempt", c.attempt)
		}

		select {
		case <-ctx.Done():
			c.setState(StateShutdown)
			return
		case <-c.shutdown:
			c.setState(StateShutdown)
			return
		case <-time.After(c.nextBackoff()):
		}
	}
}

func (c *Client) nextBackoff() time.Duration {
	d := reconnectBackoff[c.attempt]
	if c.attempt < len(reconnectBackoff)-1 {
		c.attempt++
	}
	return d
}

// runOnce performs one connect → handshake → serve cycle; it returns when
// the connection ends for any reason.
func (c *Client) runOnce(ctx context.Context) error {
	c.setState(StateConnecting)

	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("aiclient: dial: %w", err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.setState(StateConnected)

	c.streamMu.Lock()
	c.streamID = newStreamID()
	c.streamMu.Unlock()

	if err := c.handshake(ctx, conn); err != nil {
		_ = conn.Close()
		return err
	}

	c.setState(StateReady)
	c.attempt = 0 // successful handshake resets backoff
	c.credit.Store(true)
	log.Info("ai client ready", "stream_id", c.streamID, "addr", c.addr)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	wg.Add(3)
	go func() { defer wg.Done(); errCh <- c.readLoop(conn) }()
	go func() { defer wg.Done(); errCh <- c.sendLoop(connCtx, conn) }()
	go func() { defer wg.Done(); errCh <- c.heartbeatLoop(connCtx, conn) }()

	err = <-errCh
	cancel()
	_ = conn.Close()
	wg.Wait()

	c.setState(StateDisconnected)
	c.credit.Store(false)
	return err
}

func (c *Client) handshake(ctx context.Context, conn net.Conn) error {
	_, span := tracer.Start(ctx, "aiclient.handshake", otelTraceAttrs(c.streamID, c.addr))
	defer span.End()

	if err := aiproto.WriteEnvelope(conn, &aiproto.Envelope{
		StreamID: c.streamID,
		Type:     aiproto.MsgInit,
		Init:     &c.initArgs,
	}); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("aiclient: send init: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.handshakeTimeout))
	env, err := aiproto.ReadEnvelope(conn)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("aiclient: waiting for init_ok: %w", err)
	}
	if env.Type != aiproto.MsgInitOk {
		err := fmt.Errorf("aiclient: expected init_ok, got %s", env.Type)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	c.touchRecv()
	return nil
}

func otelTraceAttrs(streamID, addr string) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String("stream.id", streamID),
		attribute.String("ai_worker.addr", addr),
	)
}

// SendFrame offers a frame to the client. While credit is absent or a
// frame is already in flight, this replaces any previously pending frame
// (latest-wins, spec §4.5); it never queues.
func (c *Client) SendFrame(f model.Frame) {
	if c.State() != StateReady {
		return
	}
	c.pending.mu.Lock()
	c.pending.frame = &f
	c.pending.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) sendLoop(ctx context.Context, conn net.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wake:
		}

		for c.credit.Load() {
			c.pending.mu.Lock()
			f := c.pending.frame
			c.pending.frame = nil
			c.pending.mu.Unlock()
			if f == nil {
				break
			}

			seq := c.seqCounter.Add(1)
			env := &aiproto.Envelope{
				StreamID: c.streamID,
				Type:     aiproto.MsgFrame,
				Frame: &aiproto.Frame{
					Seq:      seq,
					TsISO:    f.TsISO,
					TsMonoNs: f.TsMonoNs,
					Width:    f.Width,
					Height:   f.Height,
					PixFmt:   string(f.PixFmt),
					Data:     f.Data,
				},
			}
			c.credit.Store(false)
			if err := aiproto.WriteEnvelope(conn, env); err != nil {
				return fmt.Errorf("aiclient: send frame: %w", err)
			}
		}
	}
}

func (c *Client) readLoop(conn net.Conn) error {
	for {
		env, err := aiproto.ReadEnvelope(conn)
		if err != nil {
			return fmt.Errorf("aiclient: read: %w", err)
		}
		c.touchRecv()

		switch env.Type {
		case aiproto.MsgResult:
			c.rxCount.Add(1)
			c.credit.Store(true)
			select {
			case c.wake <- struct{}{}:
			default:
			}
			if c.cb.OnResult != nil && env.Result != nil {
				c.cb.OnResult(toModelResult(env.Result))
			}
		case aiproto.MsgError:
			if c.cb.OnError != nil && env.Error != nil {
				c.cb.OnError(fmt.Errorf("aiclient: worker error %d: %s", env.Error.Code, env.Error.Message))
			}
		case aiproto.MsgHeartbeat:
			// worker heartbeats only reset the silence clock via touchRecv above.
		default:
			log.Debug("unexpected message from worker", "type", env.Type.String())
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn net.Conn) error {
	ticker := time.NewTicker(c.heartbeatPeriod)
	defer ticker.Stop()
	silenceCheck := time.NewTicker(c.silenceCheckInterval())
	defer silenceCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			hb := &aiproto.Envelope{
				StreamID: c.streamID,
				Type:     aiproto.MsgHeartbeat,
				Heartbeat: &aiproto.Heartbeat{
					LastFrameID: c.seqCounter.Load(),
					Tx:          c.seqCounter.Load(),
					Rx:          c.rxCount.Load(),
				},
			}
			if err := aiproto.WriteEnvelope(conn, hb); err != nil {
				return fmt.Errorf("aiclient: send heartbeat: %w", err)
			}
		case <-silenceCheck.C:
			if c.silenceDuration() >= c.silenceTimeout {
				return fmt.Errorf("aiclient: heartbeat silence timeout exceeded")
			}
		}
	}
}

// silenceCheckInterval polls for silence at roughly a tenth of the
// configured silence timeout, so shortened test timeouts are still
// detected promptly.
func (c *Client) silenceCheckInterval() time.Duration {
	interval := c.silenceTimeout / 10
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	return interval
}

func (c *Client) touchRecv() {
	c.lastRecvNs.Store(time.Now().UnixNano())
}

func (c *Client) silenceDuration() time.Duration {
	last := c.lastRecvNs.Load()
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(0, last))
}

// Shutdown stops the client and prevents further reconnection attempts.
func (c *Client) Shutdown() {
	c.shutOnce.Do(func() { close(c.shutdown) })
}

func toModelResult(r *aiproto.Result) model.Result {
	dets := make([]model.Detection, 0, len(r.Detections))
	for _, d := range r.Detections {
		dets = append(dets, model.Detection{
			Class:      d.Class,
			Confidence: d.Confidence,
			BBox:       model.BoundingBox{X: d.X, Y: d.Y, W: d.W, H: d.H},
			TrackID:    d.TrackID,
		})
	}
	return model.Result{Seq: r.Seq, TsISO: r.TsISO, Detections: dets}
}

func newStreamID() string {
	return fmt.Sprintf("%s-%d-%s", streamIDPrefix, time.Now().UnixMilli(), uuid.NewString())
}
