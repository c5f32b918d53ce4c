package aiclient

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edge-agent/agent/internal/aiproto"
	"github.com/edge-agent/agent/pkg/model"
)

func waitForState(t *testing.T, c *Client, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %s, got %s", want, c.State())
}

func waitForStateChange(t *testing.T, c *Client, from State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.State() != from {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state stuck at %s, never changed", from)
}

func TestHandshakeSendsInitAndReachesReadyOnInitOk(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	c := New("unused", aiproto.Init{ModelPath: "model.onnx", Width: 640, Height: 480}, Callbacks{})
	c.streamID = "test-stream"

	gotInit := make(chan *aiproto.Envelope, 1)
	go func() {
		env, err := aiproto.ReadEnvelope(serverConn)
		if err != nil {
			return
		}
		gotInit <- env
		_ = aiproto.WriteEnvelope(serverConn, &aiproto.Envelope{
			StreamID: env.StreamID,
			Type:     aiproto.MsgInitOk,
			InitOk:   &aiproto.InitOk{Runtime: "onnxruntime"},
		})
	}()

	err := c.handshake(context.Background(), clientConn)
	require.NoError(t, err)

	env := <-gotInit
	require.Equal(t, aiproto.MsgInit, env.Type)
	require.Equal(t, "model.onnx", env.Init.ModelPath)
}

func TestHandshakeTimesOutWithoutInitOk(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	c := New("unused", aiproto.Init{}, Callbacks{})
	c.handshakeTimeout = 30 * time.Millisecond
	c.streamID = "test-stream"

	// Drain the Init the client sends so the pipe's synchronous Write
	// doesn't block forever, then go silent.
	go func() { _, _ = aiproto.ReadEnvelope(serverConn) }()

	err := c.handshake(context.Background(), clientConn)
	require.Error(t, err)
}

func TestHandshakeRejectsUnexpectedReply(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	c := New("unused", aiproto.Init{}, Callbacks{})
	c.streamID = "test-stream"

	go func() {
		env, err := aiproto.ReadEnvelope(serverConn)
		if err != nil {
			return
		}
		_ = aiproto.WriteEnvelope(serverConn, &aiproto.Envelope{
			StreamID: env.StreamID,
			Type:     aiproto.MsgError,
			Error:    &aiproto.Error{Code: 1, Message: "not ready"},
		})
	}()

	err := c.handshake(context.Background(), clientConn)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "expected init_ok"))
}

// fakeWorker is a single-connection inference-worker stand-in for
// integration-style tests that drive the client through Run.
type fakeWorker struct {
	ln   net.Listener
	conn net.Conn
}

func newFakeWorker(t *testing.T) *fakeWorker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return &fakeWorker{ln: ln}
}

func (w *fakeWorker) addr() string { return w.ln.Addr().String() }

// acceptAndHandshake accepts the next connection, completes the handshake,
// and returns the accepted conn for the caller to drive further.
func (w *fakeWorker) acceptAndHandshake(t *testing.T) net.Conn {
	t.Helper()
	conn, err := w.ln.Accept()
	require.NoError(t, err)
	env, err := aiproto.ReadEnvelope(conn)
	require.NoError(t, err)
	require.Equal(t, aiproto.MsgInit, env.Type)
	err = aiproto.WriteEnvelope(conn, &aiproto.Envelope{
		StreamID: env.StreamID,
		Type:     aiproto.MsgInitOk,
		InitOk:   &aiproto.InitOk{Runtime: "test"},
	})
	require.NoError(t, err)
	w.conn = conn
	return conn
}

func TestCreditIsConsumedOnSendAndReturnedOnResult(t *testing.T) {
	w := newFakeWorker(t)
	defer w.ln.Close()

	var mu sync.Mutex
	var frames [][]byte
	done := make(chan struct{})

	go func() {
		conn := w.acceptAndHandshake(t)
		defer conn.Close()
		for {
			env, err := aiproto.ReadEnvelope(conn)
			if err != nil {
				return
			}
			if env.Type != aiproto.MsgFrame {
				continue
			}
			mu.Lock()
			frames = append(frames, env.Frame.Data)
			n := len(frames)
			mu.Unlock()
			_ = aiproto.WriteEnvelope(conn, &aiproto.Envelope{
				StreamID: env.StreamID,
				Type:     aiproto.MsgResult,
				Result:   &aiproto.Result{Seq: env.Frame.Seq},
			})
			if n == 2 {
				close(done)
				return
			}
		}
	}()

	results := make(chan model.Result, 8)
	c := New(w.addr(), aiproto.Init{}, Callbacks{OnResult: func(r model.Result) { results <- r }})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	defer c.Shutdown()

	waitForState(t, c, StateReady, time.Second)

	c.SendFrame(model.Frame{Seq: 1, Data: []byte("frame-a")})
	select {
	case r := <-results:
		require.Equal(t, uint64(1), r.Seq)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first result")
	}

	// Credit was returned by the Result above, so a second frame should
	// reach the worker too.
	c.SendFrame(model.Frame{Seq: 2, Data: []byte("frame-b")})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second frame to be relayed")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, [][]byte{[]byte("frame-a"), []byte("frame-b")}, frames)
}

func TestSendFrameIsLatestWinsWhileCreditIsHeld(t *testing.T) {
	w := newFakeWorker(t)
	defer w.ln.Close()

	var mu sync.Mutex
	var frames [][]byte
	ackGate := make(chan struct{})

	go func() {
		conn := w.acceptAndHandshake(t)
		defer conn.Close()
		for {
			env, err := aiproto.ReadEnvelope(conn)
			if err != nil {
				return
			}
			if env.Type != aiproto.MsgFrame {
				continue
			}
			mu.Lock()
			frames = append(frames, env.Frame.Data)
			mu.Unlock()
			<-ackGate // hold the credit until the test says to release it
			_ = aiproto.WriteEnvelope(conn, &aiproto.Envelope{
				StreamID: env.StreamID,
				Type:     aiproto.MsgResult,
				Result:   &aiproto.Result{Seq: env.Frame.Seq},
			})
		}
	}()

	c := New(w.addr(), aiproto.Init{}, Callbacks{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	defer c.Shutdown()

	waitForState(t, c, StateReady, time.Second)

	c.SendFrame(model.Frame{Seq: 1, Data: []byte("frame-1")})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 1
	}, time.Second, 5*time.Millisecond)

	// Credit is held by the fake worker now; these two offers collapse
	// into one pending slot, and only the latest should ever be sent.
	c.SendFrame(model.Frame{Seq: 2, Data: []byte("frame-2")})
	c.SendFrame(model.Frame{Seq: 3, Data: []byte("frame-3")})

	close(ackGate)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, [][]byte{[]byte("frame-1"), []byte("frame-3")}, frames)
}

func TestHeartbeatSilenceTimeoutDisconnects(t *testing.T) {
	w := newFakeWorker(t)
	defer w.ln.Close()

	go func() {
		conn := w.acceptAndHandshake(t)
		defer conn.Close()
		// Go silent forever; drain reads so the client's own heartbeat
		// writes never block on a full socket buffer.
		buf := make([]byte, 1024)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	c := New(w.addr(), aiproto.Init{}, Callbacks{})
	c.silenceTimeout = 60 * time.Millisecond
	c.heartbeatPeriod = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	defer c.Shutdown()

	waitForState(t, c, StateReady, time.Second)
	waitForStateChange(t, c, StateReady, 500*time.Millisecond)
}

func TestNewStreamIDIsPrefixedAndUnique(t *testing.T) {
	a := newStreamID()
	b := newStreamID()
	require.True(t, strings.HasPrefix(a, streamIDPrefix+"-"))
	require.NotEqual(t, a, b)
}
