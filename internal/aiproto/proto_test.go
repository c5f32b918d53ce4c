package aiproto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, env *Envelope) *Envelope {
	t.Helper()
	payload, err := Marshal(env)
	require.NoError(t, err)
	got, err := Unmarshal(payload)
	require.NoError(t, err)
	return got
}

func TestInitRoundTrip(t *testing.T) {
	env := &Envelope{
		StreamID: "stream-1",
		Type:     MsgInit,
		Init: &Init{
			ModelPath:           "/models/yolo.onnx",
			Width:               1920,
			Height:              1080,
			ConfidenceThreshold: 0.45,
			ClassesFilter:       []string{"person", "vehicle"},
		},
	}
	got := roundTrip(t, env)
	require.Equal(t, env.StreamID, got.StreamID)
	require.Equal(t, env.Init, got.Init)
}

func TestFrameRoundTripWithBinaryPayload(t *testing.T) {
	data := make([]byte, 1024)
	for i := range data {
		data[i] = byte(i % 256)
	}
	env := &Envelope{
		StreamID: "stream-2",
		Type:     MsgFrame,
		Frame: &Frame{
			Seq:      42,
			TsISO:    "2026-07-31T00:00:00Z",
			TsMonoNs: 123456789,
			Width:    320,
			Height:   240,
			PixFmt:   "RGB",
			Data:     data,
		},
	}
	got := roundTrip(t, env)
	require.Equal(t, env.Frame, got.Frame)
}

func TestResultRoundTripWithDetections(t *testing.T) {
	env := &Envelope{
		StreamID: "stream-3",
		Type:     MsgResult,
		Result: &Result{
			Seq:   7,
			TsISO: "2026-07-31T00:00:01Z",
			Detections: []Detection{
				{Class: "person", Confidence: 0.91, X: 0.1, Y: 0.2, W: 0.3, H: 0.4, TrackID: "t1"},
				{Class: "vehicle", Confidence: 0.75, X: 0.5, Y: 0.5, W: 0.2, H: 0.2},
			},
			LatencyMs: 18,
		},
	}
	got := roundTrip(t, env)
	require.Equal(t, env.Result, got.Result)
}

func TestHeartbeatRoundTrip(t *testing.T) {
	env := &Envelope{
		StreamID:  "stream-4",
		Type:      MsgHeartbeat,
		Heartbeat: &Heartbeat{LastFrameID: 99, Tx: 100, Rx: 98},
	}
	got := roundTrip(t, env)
	require.Equal(t, env.Heartbeat, got.Heartbeat)
}

func TestErrorRoundTrip(t *testing.T) {
	env := &Envelope{
		StreamID: "stream-5",
		Type:     MsgError,
		Error:    &Error{Code: 400, Message: "bad frame geometry"},
	}
	got := roundTrip(t, env)
	require.Equal(t, env.Error, got.Error)
}

func TestUnmarshalRejectsWrongProtocolVersion(t *testing.T) {
	env := &Envelope{StreamID: "s", Type: MsgEnd, End: &End{}}
	payload, err := Marshal(env)
	require.NoError(t, err)
	payload[0] = 99 // corrupt protocol_version byte
	_, err = Unmarshal(payload)
	require.Error(t, err)
	var ferr *FramingError
	require.ErrorAs(t, err, &ferr)
}

func TestUnmarshalRejectsTruncatedPayload(t *testing.T) {
	env := &Envelope{
		StreamID: "s",
		Type:     MsgInit,
		Init:     &Init{ModelPath: "/m.onnx", Width: 640, Height: 480, ConfidenceThreshold: 0.5},
	}
	payload, err := Marshal(env)
	require.NoError(t, err)
	_, err = Unmarshal(payload[:len(payload)-3])
	require.Error(t, err)
}
