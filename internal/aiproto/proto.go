// Package aiproto implements the length-prefixed binary envelope protocol
// spoken between the AI Client and the remote inference worker (spec §6).
// Messages carry a protocol version, a stream id, a message type, and one
// of Init, InitOk, Frame, Result, Error, Heartbeat, or End bodies.
package aiproto

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ProtocolVersion is the only version this client speaks. Any envelope
// carrying a different version is a fatal framing error (spec §6, §9 open
// question: legacy protocol variants are not implemented).
const ProtocolVersion uint8 = 1

// MsgType identifies which body an Envelope carries.
type MsgType uint8

const (
	MsgInit MsgType = iota + 1
	MsgInitOk
	MsgFrame
	MsgResult
	MsgError
	MsgHeartbeat
	MsgEnd
)

func (t MsgType) String() string {
	switch t {
	case MsgInit:
		return "Init"
	case MsgInitOk:
		return "InitOk"
	case MsgFrame:
		return "Frame"
	case MsgResult:
		return "Result"
	case MsgError:
		return "Error"
	case MsgHeartbeat:
		return "Heartbeat"
	case MsgEnd:
		return "End"
	default:
		return fmt.Sprintf("MsgType(%d)", uint8(t))
	}
}

// MinPayloadBytes and MaxPayloadBytes bound the length prefix (spec §6: the
// valid length range is 1 .. 50*2^20).
const (
	MinPayloadBytes = 1
	MaxPayloadBytes = 50 * 1024 * 1024
)

// Init is the handshake request: model path, input geometry, confidence
// threshold, and an optional class whitelist (empty = accept all).
type Init struct {
	ModelPath           string
	Width               uint32
	Height              uint32
	ConfidenceThreshold float32
	ClassesFilter       []string
}

// InitOk acknowledges a handshake and advertises worker capabilities.
type InitOk struct {
	Runtime       string
	ModelID       string
	Providers     []string
	MaxFrameBytes uint32
	Preprocess    string // optional descriptor; empty means none
}

// Frame carries one raw sampled frame to the worker.
type Frame struct {
	Seq      uint64
	TsISO    string
	TsMonoNs uint64
	Width    uint32
	Height   uint32
	PixFmt   string // "RGB"
	Data     []byte
}

// Detection is one classified box within a Result.
type Detection struct {
	Class      string
	Confidence float32
	X, Y, W, H float32
	TrackID    string // optional
}

// Result is the worker's reply to a previously sent Frame.
type Result struct {
	Seq        uint64
	TsISO      string
	Detections []Detection
	LatencyMs  uint32 // 0 means "not reported"
}

// Error carries a fatal or informational protocol error from the worker.
type Error struct {
	Code    int32
	Message string
}

// Heartbeat is sent by the client every 2s carrying send/receive counters.
type Heartbeat struct {
	LastFrameID uint64
	Tx          uint64
	Rx          uint64
}

// End signals a graceful end of stream.
type End struct{}

// Envelope is the tagged union of every message this protocol exchanges.
// Exactly one of the typed fields is non-nil, matching Type.
type Envelope struct {
	StreamID  string
	Type      MsgType
	Init      *Init
	InitOk    *InitOk
	Frame     *Frame
	Result    *Result
	Error     *Error
	Heartbeat *Heartbeat
	End       *End
}

// FramingError indicates a malformed envelope: bad length, decode failure,
// or a protocol_version / msg_type mismatch. It is always fatal to the
// connection (spec §4.5).
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string { return "aiproto: framing error: " + e.Reason }

// Marshal encodes env's payload (protocol_version, stream_id, msg_type,
// body) but does not add the 4-byte length prefix; see WriteEnvelope for
// the wire-ready form.
func Marshal(env *Envelope) ([]byte, error) {
	w := newWriter()
	w.u8(ProtocolVersion)
	w.u8(uint8(env.Type))
	w.str(env.StreamID)

	switch env.Type {
	case MsgInit:
		if env.Init == nil {
			return nil, fmt.Errorf("aiproto: marshal: Init body missing")
		}
		marshalInit(w, env.Init)
	case MsgInitOk:
		if env.InitOk == nil {
			return nil, fmt.Errorf("aiproto: marshal: InitOk body missing")
		}
		marshalInitOk(w, env.InitOk)
	case MsgFrame:
		if env.Frame == nil {
			return nil, fmt.Errorf("aiproto: marshal: Frame body missing")
		}
		marshalFrame(w, env.Frame)
	case MsgResult:
		if env.Result == nil {
			return nil, fmt.Errorf("aiproto: marshal: Result body missing")
		}
		marshalResult(w, env.Result)
	case MsgError:
		if env.Error == nil {
			return nil, fmt.Errorf("aiproto: marshal: Error body missing")
		}
		marshalError(w, env.Error)
	case MsgHeartbeat:
		if env.Heartbeat == nil {
			return nil, fmt.Errorf("aiproto: marshal: Heartbeat body missing")
		}
		marshalHeartbeat(w, env.Heartbeat)
	case MsgEnd:
		// no body
	default:
		return nil, fmt.Errorf("aiproto: marshal: unknown msg_type %d", env.Type)
	}

	return w.bytes(), w.err
}

// Unmarshal decodes a payload previously produced by Marshal. It validates
// protocol_version and that msg_type is consistent with a recognized body.
func Unmarshal(payload []byte) (*Envelope, error) {
	r := newReader(payload)
	version := r.u8()
	msgType := MsgType(r.u8())
	streamID := r.str()
	if r.err != nil {
		return nil, &FramingError{Reason: r.err.Error()}
	}
	if version != ProtocolVersion {
		return nil, &FramingError{Reason: fmt.Sprintf("protocol_version %d != %d", version, ProtocolVersion)}
	}

	env := &Envelope{StreamID: streamID, Type: msgType}

	switch msgType {
	case MsgInit:
		env.Init = unmarshalInit(r)
	case MsgInitOk:
		env.InitOk = unmarshalInitOk(r)
	case MsgFrame:
		env.Frame = unmarshalFrame(r)
	case MsgResult:
		env.Result = unmarshalResult(r)
	case MsgError:
		env.Error = unmarshalError(r)
	case MsgHeartbeat:
		env.Heartbeat = unmarshalHeartbeat(r)
	case MsgEnd:
		env.End = &End{}
	default:
		return nil, &FramingError{Reason: fmt.Sprintf("unrecognized msg_type %d", msgType)}
	}

	if r.err != nil {
		return nil, &FramingError{Reason: r.err.Error()}
	}
	if !r.exhausted() {
		return nil, &FramingError{Reason: "trailing bytes after body"}
	}
	return env, nil
}

func marshalInit(w *writer, m *Init) {
	w.str(m.ModelPath)
	w.u32(m.Width)
	w.u32(m.Height)
	w.f32(m.ConfidenceThreshold)
	w.strSlice(m.ClassesFilter)
}

func unmarshalInit(r *reader) *Init {
	m := &Init{}
	m.ModelPath = r.str()
	m.Width = r.u32()
	m.Height = r.u32()
	m.ConfidenceThreshold = r.f32()
	m.ClassesFilter = r.strSlice()
	return m
}

func marshalInitOk(w *writer, m *InitOk) {
	w.str(m.Runtime)
	w.str(m.ModelID)
	w.strSlice(m.Providers)
	w.u32(m.MaxFrameBytes)
	w.str(m.Preprocess)
}

func unmarshalInitOk(r *reader) *InitOk {
	m := &InitOk{}
	m.Runtime = r.str()
	m.ModelID = r.str()
	m.Providers = r.strSlice()
	m.MaxFrameBytes = r.u32()
	m.Preprocess = r.str()
	return m
}

func marshalFrame(w *writer, m *Frame) {
	w.u64(m.Seq)
	w.str(m.TsISO)
	w.u64(m.TsMonoNs)
	w.u32(m.Width)
	w.u32(m.Height)
	w.str(m.PixFmt)
	w.bytesField(m.Data)
}

func unmarshalFrame(r *reader) *Frame {
	m := &Frame{}
	m.Seq = r.u64()
	m.TsISO = r.str()
	m.TsMonoNs = r.u64()
	m.Width = r.u32()
	m.Height = r.u32()
	m.PixFmt = r.str()
	m.Data = r.bytesField()
	return m
}

func marshalResult(w *writer, m *Result) {
	w.u64(m.Seq)
	w.str(m.TsISO)
	w.u16(uint16(len(m.Detections)))
	for _, d := range m.Detections {
		w.str(d.Class)
		w.f32(d.Confidence)
		w.f32(d.X)
		w.f32(d.Y)
		w.f32(d.W)
		w.f32(d.H)
		w.str(d.TrackID)
	}
	w.u32(m.LatencyMs)
}

func unmarshalResult(r *reader) *Result {
	m := &Result{}
	m.Seq = r.u64()
	m.TsISO = r.str()
	n := r.u16()
	m.Detections = make([]Detection, 0, n)
	for i := uint16(0); i < n; i++ {
		var d Detection
		d.Class = r.str()
		d.Confidence = r.f32()
		d.X = r.f32()
		d.Y = r.f32()
		d.W = r.f32()
		d.H = r.f32()
		d.TrackID = r.str()
		m.Detections = append(m.Detections, d)
	}
	m.LatencyMs = r.u32()
	return m
}

func marshalError(w *writer, m *Error) {
	w.i32(m.Code)
	w.str(m.Message)
}

func unmarshalError(r *reader) *Error {
	m := &Error{}
	m.Code = r.i32()
	m.Message = r.str()
	return m
}

func marshalHeartbeat(w *writer, m *Heartbeat) {
	w.u64(m.LastFrameID)
	w.u64(m.Tx)
	w.u64(m.Rx)
}

func unmarshalHeartbeat(r *reader) *Heartbeat {
	m := &Heartbeat{}
	m.LastFrameID = r.u64()
	m.Tx = r.u64()
	m.Rx = r.u64()
	return m
}

// --- low level cursor writer/reader ---

type writer struct {
	buf []byte
	err error
}

func newWriter() *writer { return &writer{buf: make([]byte, 0, 256)} }

func (w *writer) bytes() []byte { return w.buf }

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }
func (w *writer) i32(v int32)  { w.u32(uint32(v)) }
func (w *writer) f32(v float32) { w.u32(math.Float32bits(v)) }

func (w *writer) str(s string) {
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) bytesField(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) strSlice(ss []string) {
	w.u16(uint16(len(ss)))
	for _, s := range ss {
		w.str(s)
	}
}

type reader struct {
	buf []byte
	off int
	err error
}

func newReader(b []byte) *reader { return &reader{buf: b} }

func (r *reader) exhausted() bool { return r.err == nil && r.off == len(r.buf) }

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("unexpected end of payload")
		return false
	}
	return true
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *reader) i32() int32   { return int32(r.u32()) }
func (r *reader) f32() float32 { return math.Float32frombits(r.u32()) }

func (r *reader) str() string {
	n := int(r.u16())
	if !r.need(n) {
		return ""
	}
	s := string(r.buf[r.off : r.off+n])
	r.off += n
	return s
}

func (r *reader) bytesField() []byte {
	n := int(r.u32())
	if !r.need(n) {
		return nil
	}
	b := make([]byte, n)
	copy(b, r.buf[r.off:r.off+n])
	r.off += n
	return b
}

func (r *reader) strSlice() []string {
	n := int(r.u16())
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, r.str())
	}
	return out
}
