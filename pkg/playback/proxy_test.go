package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testStreamerOpts() StreamerOptions {
	opts := DefaultStreamerOpts
	// Small buffers so tests exercise the refill loop
	opts.BufferSize = 64
	opts.ChunkSize = 16
	opts.ReconnectDelay = time.Millisecond
	return opts
}

// rangeHandler serves content honouring bytes=start-end requests.
func rangeHandler(content []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			w.WriteHeader(http.StatusOK)
			if r.Method != "HEAD" {
				w.Write(content)
			}
			return
		}
		start, end := parseRange(rangeHeader)
		last := int64(len(content)) - 1
		if end != "" {
			parsed, err := strconv.ParseInt(end, 10, 64)
			if err == nil && parsed < last {
				last = parsed
			}
		}
		body := content[start : last+1]
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, last, len(content)))
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusPartialContent)
		if r.Method != "HEAD" {
			w.Write(body)
		}
	}
}

func TestStreamWholeFile(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789abcdef"), 20)
	srv := httptest.NewServer(rangeHandler(content))
	defer srv.Close()

	s, err := NewStreamer(testStreamerOpts(), nil, zap.NewNop())
	require.NoError(t, err)

	var sink bytes.Buffer
	require.NoError(t, s.Stream(context.Background(), &sink, srv.URL, ""))
	require.Equal(t, content, sink.Bytes())
}

func TestStreamForwardsRange(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789abcdef"), 20)
	srv := httptest.NewServer(rangeHandler(content))
	defer srv.Close()

	s, err := NewStreamer(testStreamerOpts(), nil, zap.NewNop())
	require.NoError(t, err)

	var sink bytes.Buffer
	require.NoError(t, s.Stream(context.Background(), &sink, srv.URL, "bytes=100-199"))
	require.Equal(t, content[100:200], sink.Bytes())
}

func TestStreamReconnectsAndResumes(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789abcdef"), 20)
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) == 1 {
			// Drop the connection after half the content
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			w.WriteHeader(http.StatusOK)
			w.Write(content[:len(content)/2])
			if flusher, ok := w.(http.Flusher); ok {
				flusher.Flush()
			}
			panic(http.ErrAbortHandler)
		}
		rangeHandler(content)(w, r)
	}))
	defer srv.Close()

	s, err := NewStreamer(testStreamerOpts(), nil, zap.NewNop())
	require.NoError(t, err)

	var sink bytes.Buffer
	require.NoError(t, s.Stream(context.Background(), &sink, srv.URL, ""))
	require.Equal(t, content, sink.Bytes())
	require.EqualValues(t, 2, atomic.LoadInt32(&requests))
}

func TestStreamGivesUpAfterMaxReconnects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	opts := testStreamerOpts()
	opts.MaxReconnects = 1
	s, err := NewStreamer(opts, nil, zap.NewNop())
	require.NoError(t, err)

	var sink bytes.Buffer
	err = s.Stream(context.Background(), &sink, srv.URL, "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad HTTP response status")
}

// failingWriter simulates a player that went away.
type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestStreamStopsOnClientDisconnect(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789abcdef"), 20)
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		rangeHandler(content)(w, r)
	}))
	defer srv.Close()

	s, err := NewStreamer(testStreamerOpts(), nil, zap.NewNop())
	require.NoError(t, err)

	// A write failure must not trigger a reconnect
	require.NoError(t, s.Stream(context.Background(), failingWriter{}, srv.URL, ""))
	require.EqualValues(t, 1, atomic.LoadInt32(&requests))
}

func TestHeadAndResponseHeaders(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 1000)
	srv := httptest.NewServer(rangeHandler(content))
	defer srv.Close()

	s, err := NewStreamer(testStreamerOpts(), nil, zap.NewNop())
	require.NoError(t, err)

	upstream, status, err := s.Head(context.Background(), srv.URL, "bytes=0-99")
	require.NoError(t, err)
	require.Equal(t, http.StatusPartialContent, status)

	headers := ResponseHeaders(upstream, true)
	require.Equal(t, "video/mp4", headers["Content-Type"])
	require.Equal(t, "bytes", headers["Accept-Ranges"])
	require.Equal(t, "100", headers["Content-Length"])
	require.True(t, strings.HasPrefix(headers["Content-Range"], "bytes 0-99/"))
	require.Contains(t, headers["Cache-Control"], "no-cache")

	// Without a Range the envelope has no Content-Range
	upstream, status, err = s.Head(context.Background(), srv.URL, "")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	headers = ResponseHeaders(upstream, false)
	require.Equal(t, "1000", headers["Content-Length"])
	require.NotContains(t, headers, "Content-Range")
}

func TestParseRange(t *testing.T) {
	start, end := parseRange("bytes=100-199")
	require.EqualValues(t, 100, start)
	require.Equal(t, "199", end)

	start, end = parseRange("bytes=512-")
	require.EqualValues(t, 512, start)
	require.Empty(t, end)

	start, end = parseRange("")
	require.Zero(t, start)
	require.Empty(t, end)
}
