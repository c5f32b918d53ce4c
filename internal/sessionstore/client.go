// Package sessionstore is the HTTP client for the session store REST API:
// session open/close, authoritative multipart ingestion with retry, and a
// legacy batched detection-only flush path (spec §4.9, §6).
package sessionstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/edge-agent/agent/internal/httputil"
	"github.com/edge-agent/agent/internal/logging"
	"github.com/edge-agent/agent/pkg/model"
)

var (
	log    = logging.L("sessionstore")
	tracer = otel.Tracer("github.com/edge-agent/agent/internal/sessionstore")
)

const (
	ingestTimeout = 5 * time.Second

	defaultBatchSize = 50
	defaultBatchTime = 1 * time.Second

	// requestRateLimit bounds outbound requests to the session store so a
	// burst of detections can't overwhelm it; ingest calls still queue
	// behind the limiter rather than being dropped.
	requestRateLimit = 20 // requests/sec
	requestBurst     = 40
)

// Client talks to the session store REST API.
type Client struct {
	baseURL string
	http    *http.Client
	retry   httputil.LinearRetryConfig
	limiter *rate.Limiter

	sessionSeq atomic.Uint64

	batchMu sync.Mutex
	batch   []BatchItem
	flushT  *time.Timer
	batchSz int
	batchTm time.Duration
}

// BatchItem is one legacy detection-only flush entry.
type BatchItem struct {
	SessionID string
	SeqNo     uint64
	CaptureTs string
	Detections []DetectionDTO
}

// DetectionDTO is the wire shape of one detection in a session-store call.
type DetectionDTO struct {
	TrackID string             `json:"trackId,omitempty"`
	Class   string             `json:"cls"`
	Conf    float32            `json:"conf"`
	BBox    BBoxDTO            `json:"bbox"`
}

// BBoxDTO is the wire shape of a bounding box.
type BBoxDTO struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	W float32 `json:"w"`
	H float32 `json:"h"`
}

// New creates a Client targeting baseURL (no trailing slash).
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: ingestTimeout},
		retry:   httputil.DefaultIngestRetryConfig(),
		limiter: rate.NewLimiter(rate.Limit(requestRateLimit), requestBurst),
		batchSz: defaultBatchSize,
		batchTm: defaultBatchTime,
	}
}

// OpenSessionRequest is the body of POST /sessions/open. SessionID is
// filled in by Open and should be left zero by callers.
type OpenSessionRequest struct {
	SessionID  string    `json:"sessionId"`
	DevID      string    `json:"devId"`
	StreamPath string    `json:"streamPath"`
	StartTs    time.Time `json:"startTs"`
	Reason     string    `json:"reason,omitempty"`
}

// Open mints a unique session identifier of the form
// sess_{deviceId}_{msTimestamp}_{counter} (spec §4.9), posts a
// session-creation request carrying it, and returns the ID. Post failures
// are logged and swallowed (spec §7: an orphaned session may remain
// upstream, but the agent continues using the locally minted ID).
func (c *Client) Open(ctx context.Context, req OpenSessionRequest) string {
	seq := c.sessionSeq.Add(1)
	sessionID := fmt.Sprintf("sess_%s_%d_%d", req.DevID, req.StartTs.UnixMilli(), seq)
	req.SessionID = sessionID

	body, err := json.Marshal(req)
	if err != nil {
		log.Error("marshal open session request", "error", err)
		return sessionID
	}
	ctx, cancel := context.WithTimeout(ctx, ingestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sessions/open", bytes.NewReader(body))
	if err != nil {
		log.Error("build open request", "error", err)
		return sessionID
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		log.Error("session open failed", "session_id", sessionID, "error", err)
		return sessionID
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Error("session open rejected", "session_id", sessionID, "status", resp.StatusCode)
	}
	return sessionID
}

// CloseSessionRequest is the body of POST /sessions/close.
type CloseSessionRequest struct {
	SessionID   string    `json:"sessionId"`
	EndTs       time.Time `json:"endTs"`
	PostRollSec int       `json:"postRollSec,omitempty"`
}

// Close posts a session-finalization request. Same failure policy as Open.
func (c *Client) Close(ctx context.Context, req CloseSessionRequest) {
	body, err := json.Marshal(req)
	if err != nil {
		log.Error("marshal close session request", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, ingestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sessions/close", bytes.NewReader(body))
	if err != nil {
		log.Error("build close request", "error", err)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		log.Error("session close failed", "session_id", req.SessionID, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Error("session close rejected", "session_id", req.SessionID, "status", resp.StatusCode)
	}
}

// IngestMeta is the JSON "meta" multipart part for POST /ingest.
type IngestMeta struct {
	SessionID  string         `json:"sessionId"`
	SeqNo      uint64         `json:"seqNo"`
	CaptureTs  string         `json:"captureTs"`
	Detections []DetectionDTO `json:"detections"`
}

// Ingest is the authoritative ingestion path: a multipart POST with a JSON
// meta part and an optional JPEG frame part, retried up to 3 times with
// linear backoff and a 5s per-attempt timeout.
func (c *Client) Ingest(ctx context.Context, meta IngestMeta, frameJPEG []byte) error {
	ctx, span := tracer.Start(ctx, "sessionstore.Ingest", trace.WithAttributes(
		attribute.String("session.id", meta.SessionID),
		attribute.Int64("seq_no", int64(meta.SeqNo)),
		attribute.Bool("has_keyframe", len(frameJPEG) > 0),
	))
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("sessionstore: rate limit wait: %w", err)
	}

	body, contentType, err := buildIngestMultipart(meta, frameJPEG)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("sessionstore: build multipart: %w", err)
	}

	headers := http.Header{"Content-Type": []string{contentType}}
	resp, err := httputil.DoLinear(ctx, c.http, http.MethodPost, c.baseURL+"/ingest", body, headers, c.retry)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("sessionstore: ingest: %w", err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 300 {
		err := fmt.Errorf("sessionstore: ingest rejected with status %d", resp.StatusCode)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func buildIngestMultipart(meta IngestMeta, frameJPEG []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	metaWriter, err := w.CreatePart(map[string][]string{
		"Content-Disposition": {`form-data; name="meta"`},
		"Content-Type":        {"application/json"},
	})
	if err != nil {
		return nil, "", err
	}
	if err := json.NewEncoder(metaWriter).Encode(meta); err != nil {
		return nil, "", err
	}

	if len(frameJPEG) > 0 {
		frameWriter, err := w.CreatePart(map[string][]string{
			"Content-Disposition": {`form-data; name="frame"; filename="frame.jpg"`},
			"Content-Type":        {"image/jpeg"},
		})
		if err != nil {
			return nil, "", err
		}
		if _, err := io.Copy(frameWriter, bytes.NewReader(frameJPEG)); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// EnqueueLegacyFlush appends a detection-only entry to the legacy batch,
// flushing when it reaches batchSz entries or batchTm elapses since the
// oldest pending entry, whichever first. On flush failure the whole batch
// is dropped (logged), matching the spec's legacy-flush semantics.
func (c *Client) EnqueueLegacyFlush(ctx context.Context, item BatchItem) {
	c.batchMu.Lock()
	c.batch = append(c.batch, item)
	if c.flushT == nil {
		c.flushT = time.AfterFunc(c.batchTm, func() { c.flushLegacy(ctx) })
	}
	full := len(c.batch) >= c.batchSz
	c.batchMu.Unlock()

	if full {
		c.flushLegacy(ctx)
	}
}

func (c *Client) flushLegacy(ctx context.Context) {
	c.batchMu.Lock()
	if c.flushT != nil {
		c.flushT.Stop()
		c.flushT = nil
	}
	batch := c.batch
	c.batch = nil
	c.batchMu.Unlock()

	if len(batch) == 0 {
		return
	}

	body, err := json.Marshal(batch)
	if err != nil {
		log.Error("marshal legacy batch", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, ingestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/detections/batch", bytes.NewReader(body))
	if err != nil {
		log.Warn("build legacy batch request, dropping batch", "error", err)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		log.Warn("legacy batch flush failed, dropping batch", "size", len(batch), "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Warn("legacy batch flush rejected, dropping batch", "size", len(batch), "status", resp.StatusCode)
	}
}

// DetectionDTOsFrom converts domain detections to their wire shape.
func DetectionDTOsFrom(dets []model.Detection) []DetectionDTO {
	out := make([]DetectionDTO, 0, len(dets))
	for _, d := range dets {
		out = append(out, DetectionDTO{
			TrackID: d.TrackID,
			Class:   d.Class,
			Conf:    d.Confidence,
			BBox:    BBoxDTO{X: d.BBox.X, Y: d.BBox.Y, W: d.BBox.W, H: d.BBox.H},
		})
	}
	return out
}
