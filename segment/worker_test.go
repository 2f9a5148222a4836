package segment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-dl/quarry/engine"
	"github.com/quarry-dl/quarry/utils"
)

func TestMain(m *testing.M) {
	utils.InitLogger(false)
	utils.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

type rangeServer struct {
	mu            sync.Mutex
	content       []byte
	requests      []string // recorded Range headers
	failFirst     int      // respond 500 to the first N requests
	truncateFirst int      // cut the body of the first N responses short
	ignoreRange   bool     // respond 200 with the full content
}

func (s *rangeServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Header.Get("Range"))
		requestNum := len(s.requests)
		s.mu.Unlock()

		if requestNum <= s.failFirst {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if s.ignoreRange {
			w.WriteHeader(http.StatusOK)
			w.Write(s.content)
			return
		}
		start, end, ok := parseRange(r.Header.Get("Range"), int64(len(s.content)))
		if !ok {
			w.WriteHeader(http.StatusOK)
			w.Write(s.content)
			return
		}
		body := s.content[start : end+1]
		if requestNum <= s.failFirst+s.truncateFirst && len(body) > 1 {
			body = body[:len(body)/2]
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(s.content)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body)
	}
}

func (s *rangeServer) rangeHeaders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.requests...)
}

func parseRange(header string, size int64) (int64, int64, bool) {
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found {
		return 0, 0, false
	}
	startStr, endStr, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	end := size - 1
	if endStr != "" {
		if end, err = strconv.ParseInt(endStr, 10, 64); err != nil {
			return 0, 0, false
		}
	}
	return start, end, true
}

func newFetchConfig(srv *httptest.Server, seg Segment, dir string) FetchConfig {
	return FetchConfig{
		Descriptor: utils.ResourceDescriptor{URL: srv.URL, Filename: "file.bin", Size: 10},
		Segment:    seg,
		Dir:        dir,
		Engine:     engine.NewHTTPEngine(srv.Client()),
		Retries:    3,
		Backoff:    time.Millisecond,
	}
}

func TestFetchWholeSegment(t *testing.T) {
	server := &rangeServer{content: []byte("0123456789")}
	srv := httptest.NewServer(server.handler())
	defer srv.Close()
	dir := t.TempDir()

	path, err := Fetch(context.Background(), newFetchConfig(srv, Segment{Index: 1, StartByte: 3, EndByte: 5}, dir))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "345", string(data))
	assert.Equal(t, []string{"bytes=3-5"}, server.rangeHeaders())
}

func TestFetchResumesFromPartial(t *testing.T) {
	server := &rangeServer{content: []byte("0123456789")}
	srv := httptest.NewServer(server.handler())
	defer srv.Close()
	dir := t.TempDir()

	// One byte of segment 1 already on disk: the request must start at 4.
	require.NoError(t, os.WriteFile(PartPath(dir, "file.bin", 1), []byte("3"), 0644))

	path, err := Fetch(context.Background(), newFetchConfig(srv, Segment{Index: 1, StartByte: 3, EndByte: 5}, dir))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "345", string(data))
	assert.Equal(t, []string{"bytes=4-5"}, server.rangeHeaders())
}

func TestFetchCompleteSegmentSkipsNetwork(t *testing.T) {
	server := &rangeServer{content: []byte("0123456789")}
	srv := httptest.NewServer(server.handler())
	defer srv.Close()
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(PartPath(dir, "file.bin", 1), []byte("345"), 0644))

	_, err := Fetch(context.Background(), newFetchConfig(srv, Segment{Index: 1, StartByte: 3, EndByte: 5}, dir))
	require.NoError(t, err)
	assert.Empty(t, server.rangeHeaders(), "a complete segment must not hit the network")
}

func TestFetchHealsOversizedArtifact(t *testing.T) {
	server := &rangeServer{content: []byte("0123456789")}
	srv := httptest.NewServer(server.handler())
	defer srv.Close()
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(PartPath(dir, "file.bin", 1), []byte("garbage-data"), 0644))

	path, err := Fetch(context.Background(), newFetchConfig(srv, Segment{Index: 1, StartByte: 3, EndByte: 5}, dir))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "345", string(data))
	assert.Equal(t, []string{"bytes=3-5"}, server.rangeHeaders(), "oversized artifact restarts from the original range start")
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	server := &rangeServer{content: []byte("0123456789"), failFirst: 2}
	srv := httptest.NewServer(server.handler())
	defer srv.Close()
	dir := t.TempDir()

	path, err := Fetch(context.Background(), newFetchConfig(srv, Segment{Index: 0, StartByte: 0, EndByte: 9}, dir))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))
	assert.Len(t, server.rangeHeaders(), 3)
}

func TestFetchResumesAfterShortRead(t *testing.T) {
	server := &rangeServer{content: []byte("0123456789"), truncateFirst: 1}
	srv := httptest.NewServer(server.handler())
	defer srv.Close()
	dir := t.TempDir()

	path, err := Fetch(context.Background(), newFetchConfig(srv, Segment{Index: 0, StartByte: 0, EndByte: 9}, dir))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))

	// The retry appends after the truncated first attempt's flushed bytes.
	headers := server.rangeHeaders()
	require.Len(t, headers, 2)
	assert.Equal(t, "bytes=0-9", headers[0])
	assert.Equal(t, "bytes=5-9", headers[1])
}

func TestFetchExhaustsRetries(t *testing.T) {
	server := &rangeServer{content: []byte("0123456789"), failFirst: 100}
	srv := httptest.NewServer(server.handler())
	defer srv.Close()
	dir := t.TempDir()

	_, err := Fetch(context.Background(), newFetchConfig(srv, Segment{Index: 2, StartByte: 6, EndByte: 9}, dir))
	require.Error(t, err)
	var segErr *SegmentError
	require.ErrorAs(t, err, &segErr)
	assert.Equal(t, 2, segErr.Index)
	assert.Equal(t, 4, segErr.Attempts)
}

func TestFetchRangeIgnoredFailsFast(t *testing.T) {
	server := &rangeServer{content: []byte("0123456789"), ignoreRange: true}
	srv := httptest.NewServer(server.handler())
	defer srv.Close()
	dir := t.TempDir()

	_, err := Fetch(context.Background(), newFetchConfig(srv, Segment{Index: 1, StartByte: 3, EndByte: 5}, dir))
	require.ErrorIs(t, err, engine.ErrRangeUnsupported)
	assert.Len(t, server.rangeHeaders(), 1, "range refusal is not retried")
}

func TestFetchAcceptsFullResponseForExemptedHost(t *testing.T) {
	server := &rangeServer{content: []byte("0123456789"), ignoreRange: true}
	srv := httptest.NewServer(server.handler())
	defer srv.Close()
	dir := t.TempDir()

	cfg := newFetchConfig(srv, Segment{Index: 1, StartByte: 3, EndByte: 5}, dir)
	cfg.AcceptFull = true
	path, err := Fetch(context.Background(), cfg)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "345", string(data))
}

func TestFetchCancellation(t *testing.T) {
	server := &rangeServer{content: []byte("0123456789"), failFirst: 100}
	srv := httptest.NewServer(server.handler())
	defer srv.Close()
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Fetch(ctx, newFetchConfig(srv, Segment{Index: 0, StartByte: 0, EndByte: 9}, dir))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
