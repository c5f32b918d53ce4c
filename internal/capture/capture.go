// Package capture reads sampled frames off the camera hub's shared-memory
// socket through a second supervised child process and hands reshaped
// frames to a callback (spec §4.4).
package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/edge-agent/agent/internal/health"
	"github.com/edge-agent/agent/internal/logging"
	"github.com/edge-agent/agent/internal/supervisor"
	"github.com/edge-agent/agent/pkg/model"
)

var log = logging.L("capture")

// Mode selects the target frame rate the reader child runs at.
type Mode int

const (
	ModeIdle Mode = iota
	ModeActive
)

func (m Mode) String() string {
	if m == ModeActive {
		return "active"
	}
	return "idle"
}

// Callback receives each reshaped frame as it is read from the child.
type Callback func(model.Frame)

// Config describes the reader child command template. {fps} in Args is
// substituted with IdleFPS or ActiveFPS depending on the current mode.
type Config struct {
	Command     string
	Args        []string // may contain the literal token "{fps}"
	SocketPath  string
	Width       int
	Height      int
	PixFmt      model.PixFmt
	IdleFPS     int
	ActiveFPS   int

	// OnHealth, if set, is called whenever the reader child's health changes.
	OnHealth func(status health.Status, message string)
}

// Reader supervises the frame-reading child and reshapes its stdout stream
// of raw frame payloads into model.Frame values delivered to a callback.
type Reader struct {
	cfg Config
	sup *supervisor.Supervisor
	cb  Callback

	mu      sync.Mutex
	mode    Mode
	handle  *supervisor.Handle
	seq     uint64
	cancel  context.CancelFunc
	running bool

	limiter atomic.Pointer[rate.Limiter]
}

// New creates a Reader bound to the given supervisor. cb is invoked from
// the child's stdout-pumping goroutine; it must not block for long.
func New(cfg Config, sup *supervisor.Supervisor, cb Callback) *Reader {
	return &Reader{cfg: cfg, sup: sup, cb: cb, mode: ModeIdle}
}

// Start launches the reader child in idle mode.
func (r *Reader) Start(ctx context.Context) error {
	return r.restart(ctx, ModeIdle)
}

// SetMode restarts the reader child pipeline at the new target rate. The
// restart is ordered stop-then-start so no partial frame from the old
// child can interleave with the new one; downstream consumers rely on
// latest-wins semantics to catch up without a backlog.
func (r *Reader) SetMode(ctx context.Context, mode Mode) error {
	r.mu.Lock()
	same := r.running && r.mode == mode
	r.mu.Unlock()
	if same {
		return nil
	}
	return r.restart(ctx, mode)
}

func (r *Reader) restart(ctx context.Context, mode Mode) error {
	r.mu.Lock()
	if r.running && r.handle != nil {
		r.sup.Kill(r.handle, 500*time.Millisecond)
	}
	r.mu.Unlock()

	fps := r.cfg.IdleFPS
	if mode == ModeActive {
		fps = r.cfg.ActiveFPS
	}
	args := substituteFPS(r.cfg.Args, fps)
	r.limiter.Store(rate.NewLimiter(rate.Limit(fps), 1))

	readerCtx, cancel := context.WithCancel(ctx)

	stdoutR, stdoutW := io.Pipe()
	handle, err := r.sup.Spawn(supervisor.Spec{
		Command: r.cfg.Command,
		Args:    args,
		Stderr: func(line string) {
			log.Debug("frame reader stderr", "line", line)
		},
		OnExit: func(code int, signaled bool) {
			log.Info("frame reader child exited", "code", code, "signaled", signaled, "mode", mode)
			r.reportHealth(health.Degraded, "child process exited")
			_ = stdoutW.Close()
		},
	})
	if err != nil {
		cancel()
		r.reportHealth(health.Unhealthy, "spawn failed: "+err.Error())
		return err
	}

	r.mu.Lock()
	r.handle = handle
	r.mode = mode
	r.running = true
	r.cancel = cancel
	r.mu.Unlock()

	go r.pump(readerCtx, stdoutR)

	log.Info("frame reader started", "mode", mode, "fps", fps)
	r.reportHealth(health.Healthy, "")
	return nil
}

func (r *Reader) reportHealth(status health.Status, message string) {
	if r.cfg.OnHealth != nil {
		r.cfg.OnHealth(status, message)
	}
}

// pump reads length-prefixed raw frame payloads from the child's stdout
// substitute pipe and reshapes each into a model.Frame.
//
// Wire shape per frame on stdout: 4-byte little-endian payload length,
// followed by exactly that many bytes of raw pixel data at the configured
// geometry and pixel format.
func (r *Reader) pump(ctx context.Context, stream io.Reader) {
	br := bufio.NewReaderSize(stream, 1<<20)
	expected := r.cfg.Width * r.cfg.Height * channelsFor(r.cfg.PixFmt)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var lenBuf [4]byte
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			if err != io.EOF {
				log.Warn("frame reader stream error", "error", err)
			}
			return
		}
		n := int(binary.LittleEndian.Uint32(lenBuf[:]))
		if n != expected {
			log.Warn("frame reader payload size mismatch, dropping", "got", n, "want", expected)
			if _, err := io.CopyN(io.Discard, br, int64(n)); err != nil {
				return
			}
			continue
		}

		data := make([]byte, n)
		if _, err := io.ReadFull(br, data); err != nil {
			log.Warn("frame reader short read", "error", err)
			return
		}

		r.mu.Lock()
		r.seq++
		seq := r.seq
		r.mu.Unlock()

		if lim := r.limiter.Load(); lim != nil && !lim.Allow() {
			continue // over target fps; drop and keep latest-wins semantics
		}

		frame := model.Frame{
			Seq:      seq,
			TsISO:    time.Now().UTC().Format(time.RFC3339Nano),
			TsMonoNs: uint64(time.Now().UnixNano()),
			Width:    uint32(r.cfg.Width),
			Height:   uint32(r.cfg.Height),
			PixFmt:   r.cfg.PixFmt,
			Data:     data,
		}
		if r.cb != nil {
			r.cb(frame)
		}
	}
}

// Stop halts the reader child.
func (r *Reader) Stop(grace time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
	if r.handle != nil {
		r.sup.Kill(r.handle, grace)
	}
	r.running = false
}

func channelsFor(p model.PixFmt) int {
	switch p {
	case model.PixFmtRGB:
		return 3
	default:
		return 3
	}
}

func substituteFPS(args []string, fps int) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if a == "{fps}" {
			out[i] = fmt.Sprintf("%d", fps)
			continue
		}
		out[i] = a
	}
	return out
}
