package sessionstore

import (
	"context"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIngestSendsMultipartWithMetaAndFrame(t *testing.T) {
	var gotMeta, gotFrameLen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		require.NoError(t, err)
		require.Equal(t, "multipart/form-data", mediaType)

		mr := multipart.NewReader(r.Body, params["boundary"])
		for {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			if part.FormName() == "meta" {
				gotMeta = part.Header.Get("Content-Type")
			}
			if part.FormName() == "frame" {
				buf := make([]byte, 0)
				tmp := make([]byte, 512)
				for {
					n, err := part.Read(tmp)
					buf = append(buf, tmp[:n]...)
					if err != nil {
						break
					}
				}
				gotFrameLen = strconv.Itoa(len(buf))
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.Ingest(context.Background(), IngestMeta{SessionID: "s1", SeqNo: 1}, []byte("fake-jpeg-bytes"))
	require.NoError(t, err)
	require.Equal(t, "application/json", gotMeta)
	require.Equal(t, strconv.Itoa(len("fake-jpeg-bytes")), gotFrameLen)
}

func TestIngestRetriesOnServerErrorThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.Ingest(context.Background(), IngestMeta{SessionID: "s1"}, nil)
	require.NoError(t, err)
	require.Equal(t, int32(2), attempts.Load())
}

func TestLegacyFlushDropsBatchOnFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.batchSz = 1
	c.EnqueueLegacyFlush(context.Background(), BatchItem{SessionID: "s1", SeqNo: 1})

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)

	c.batchMu.Lock()
	defer c.batchMu.Unlock()
	require.Empty(t, c.batch)
}
