package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamgate/streamgate/internal/adapter/balancer"
	"github.com/streamgate/streamgate/internal/adapter/platform"
	"github.com/streamgate/streamgate/internal/adapter/render"
	"github.com/streamgate/streamgate/internal/adapter/streamer"
	"github.com/streamgate/streamgate/internal/config"
	"github.com/streamgate/streamgate/internal/core/constants"
	"github.com/streamgate/streamgate/internal/core/domain"
	"github.com/streamgate/streamgate/internal/core/ports"
	"github.com/streamgate/streamgate/internal/logger"
)

const (
	testDC       = 2
	testFileSize = int64(1048576)
	testDBID     = "abc123"
)

type rpcHandler func(method string, args, reply any) error

type scriptedConn struct{ handler rpcHandler }

func (c *scriptedConn) Invoke(_ context.Context, method string, args, reply any) error {
	return c.handler(method, args, reply)
}

func (c *scriptedConn) Close() error { return nil }

type scriptedDialer struct{ handler rpcHandler }

func (d *scriptedDialer) Dial(_ context.Context, _ int, _ bool) (ports.Conn, error) {
	return &scriptedConn{handler: d.handler}, nil
}

func setReply(out, v any) error {
	raw, err := jsoniter.Marshal(v)
	if err != nil {
		return err
	}
	return jsoniter.Unmarshal(raw, out)
}

type fakeStore struct {
	record *domain.FileRecord
	err    error
}

func (s *fakeStore) GetFile(_ context.Context, _ string) (*domain.FileRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	rec := *s.record
	return &rec, nil
}

func (s *fakeStore) UpdateFileIDs(context.Context, string, map[string]string) error {
	return nil
}

// upstreamScript records GetFile offsets and optionally fails them.
type upstreamScript struct {
	mu          sync.Mutex
	offsets     []int64
	failAll     bool
	getCalls    atomic.Int32
	streamCalls atomic.Int32
}

func (u *upstreamScript) handler(method string, args, out any) error {
	switch method {
	case "account.me":
		return setReply(out, map[string]any{"username": "streambot", "dc_id": testDC})
	case "messages.streamMedia":
		u.streamCalls.Add(1)
		return setReply(out, map[string]any{"bytes": []byte("thumb-bytes")})
	case "upload.getFile":
		u.getCalls.Add(1)
		if u.failAll {
			return syscall.ECONNRESET
		}
		var req struct {
			Offset int64 `json:"offset"`
			Limit  int64 `json:"limit"`
		}
		if err := setReply(&req, args); err != nil {
			return err
		}
		u.mu.Lock()
		u.offsets = append(u.offsets, req.Offset)
		u.mu.Unlock()
		return setReply(out, map[string]any{"bytes": fileBytes(req.Offset, req.Limit)})
	default:
		return nil
	}
}

func (u *upstreamScript) recordedOffsets() []int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]int64(nil), u.offsets...)
}

func fileBytes(offset, limit int64) []byte {
	end := offset + limit
	if end > testFileSize {
		end = testFileSize
	}
	out := make([]byte, 0, end-offset)
	for i := offset; i < end; i++ {
		out = append(out, byte(i%251))
	}
	return out
}

func testRecord(t *testing.T) *domain.FileRecord {
	t.Helper()
	ref := domain.FileRef{DCID: testDC, MediaID: 9001, AccessHash: 777}
	handle, err := ref.Encode()
	require.NoError(t, err)
	return &domain.FileRecord{
		FileID:       handle,
		FileName:     "video.mp4",
		FileSize:     testFileSize,
		MimeType:     "video/mp4",
		FileUniqueID: "uniq-1",
	}
}

type fixture struct {
	app      *Application
	handler  http.Handler
	selector *balancer.WeightedSelector[*streamer.Streamer]
	upstream *upstreamScript
}

func newFixture(t *testing.T, store ports.MetadataStore) *fixture {
	t.Helper()

	lgr, styled, cleanup, err := logger.NewStyled(&logger.Config{Level: "error"})
	require.NoError(t, err)
	require.NotNil(t, lgr)
	t.Cleanup(cleanup)

	upstream := &upstreamScript{}
	dialer := &scriptedDialer{handler: upstream.handler}

	selector := balancer.NewWeightedSelector[*streamer.Streamer](styled)

	client, err := platform.Connect(context.Background(), 0, testDC, dialer, styled)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	pool := platform.NewSessionPool(client, dialer, styled)
	t.Cleanup(pool.Close)

	str := streamer.New(client, pool, store, selector, selector, -100123, styled)
	t.Cleanup(str.Stop)
	selector.SetClients(map[int]*streamer.Streamer{0: str})

	cfg := config.DefaultConfig()
	cfg.Server.RateLimit = 1000
	cfg.Server.BurstLimit = 1000
	cfg.Server.CacheSize = 16
	cfg.Server.CacheTTL = time.Minute
	cfg.Server.FQDN = "stream.example.com"
	cfg.Server.HasSSL = true
	cfg.Server.NoPort = true

	renderer, err := render.New()
	require.NoError(t, err)

	app := NewApplication(Options{
		Config:      cfg,
		Selector:    selector,
		Renderer:    renderer,
		Logger:      styled,
		BotUsername: "streambot",
		Version:     "v0.4.2",
	})
	t.Cleanup(app.Close)

	return &fixture{
		app:      app,
		handler:  app.Routes(),
		selector: selector,
		upstream: upstream,
	}
}

func (f *fixture) get(t *testing.T, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "127.0.0.1:5000"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestDownload_FullFile(t *testing.T) {
	f := newFixture(t, &fakeStore{record: testRecord(t)})

	rec := f.get(t, "/dl/"+testDBID, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, strconv.FormatInt(testFileSize, 10), rec.Header().Get(constants.HeaderContentLength))
	assert.Equal(t, "bytes", rec.Header().Get(constants.HeaderAcceptRanges))
	assert.Equal(t, "video/mp4", rec.Header().Get(constants.HeaderContentType))
	assert.Contains(t, rec.Header().Get(constants.HeaderContentDisposition), "inline")
	assert.Equal(t, fileBytes(0, testFileSize), rec.Body.Bytes())
	assert.Equal(t, []int64{0, 524288}, f.upstream.recordedOffsets())
}

func TestDownload_MidFileRange(t *testing.T) {
	f := newFixture(t, &fakeStore{record: testRecord(t)})

	rec := f.get(t, "/dl/"+testDBID, map[string]string{
		constants.HeaderRange: "bytes=600000-700000",
	})

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 600000-700000/1048576", rec.Header().Get(constants.HeaderContentRange))
	assert.Equal(t, "100001", rec.Header().Get(constants.HeaderContentLength))
	assert.Equal(t, fileBytes(600000, 100001), rec.Body.Bytes())
	assert.Equal(t, []int64{524288}, f.upstream.recordedOffsets())
}

func TestDownload_UnsatisfiableRange(t *testing.T) {
	f := newFixture(t, &fakeStore{record: testRecord(t)})

	rec := f.get(t, "/dl/"+testDBID, map[string]string{
		constants.HeaderRange: "bytes=2000000-",
	})

	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
	assert.Equal(t, "bytes */1048576", rec.Header().Get(constants.HeaderContentRange))
	assert.Empty(t, f.upstream.recordedOffsets())
}

func TestDownload_InvertedRangeRejected(t *testing.T) {
	f := newFixture(t, &fakeStore{record: testRecord(t)})

	rec := f.get(t, "/dl/"+testDBID, map[string]string{
		constants.HeaderRange: "bytes=700000-600000",
	})
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
}

func TestDownload_InitialRangeServedFromSnapshot(t *testing.T) {
	f := newFixture(t, &fakeStore{record: testRecord(t)})

	headers := map[string]string{constants.HeaderRange: "bytes=0-1023"}

	first := f.get(t, "/dl/"+testDBID, headers)
	assert.Equal(t, http.StatusPartialContent, first.Code)
	assert.Equal(t, 1024, first.Body.Len())
	assert.Equal(t, []int64{0}, f.upstream.recordedOffsets())

	second := f.get(t, "/dl/"+testDBID, headers)
	assert.Equal(t, http.StatusPartialContent, second.Code)
	assert.Equal(t, first.Header().Get(constants.HeaderContentRange),
		second.Header().Get(constants.HeaderContentRange))
	assert.Zero(t, second.Body.Len())
	// No further upstream traffic for the snapshot hit.
	assert.Equal(t, []int64{0}, f.upstream.recordedOffsets())
}

func TestDownload_FirstChunkFailureSurfaces503(t *testing.T) {
	store := &fakeStore{record: testRecord(t)}
	f := newFixture(t, store)
	f.upstream.failAll = true

	rec := f.get(t, "/dl/"+testDBID, nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	status := f.selector.Status()
	assert.Equal(t, int64(0), status[0].WorkLoad)
}

func TestDownload_FirstChunkFailureOverRealConnection(t *testing.T) {
	f := newFixture(t, &fakeStore{record: testRecord(t)})
	f.upstream.failAll = true

	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/dl/" + testDBID)
	require.NoError(t, err)
	defer resp.Body.Close()

	// The error body must arrive intact: no file-sized Content-Length
	// left over from the aborted stream.
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, int64(len(body)), resp.ContentLength)
	assert.Contains(t, resp.Header.Get(constants.HeaderContentType), "application/json")
	assert.Empty(t, resp.Header.Get(constants.HeaderContentDisposition))
}

func TestDownload_RangeEndAtSizeClamped(t *testing.T) {
	f := newFixture(t, &fakeStore{record: testRecord(t)})

	rec := f.get(t, "/dl/"+testDBID, map[string]string{
		constants.HeaderRange: fmt.Sprintf("bytes=0-%d", testFileSize),
	})

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, fmt.Sprintf("bytes 0-%d/%d", testFileSize-1, testFileSize),
		rec.Header().Get(constants.HeaderContentRange))
	assert.Equal(t, fileBytes(0, testFileSize), rec.Body.Bytes())
}

func TestDownload_HeadReturnsHeadersOnly(t *testing.T) {
	f := newFixture(t, &fakeStore{record: testRecord(t)})

	req := httptest.NewRequest(http.MethodHead, "/dl/"+testDBID, nil)
	req.RemoteAddr = "127.0.0.1:5000"
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, strconv.FormatInt(testFileSize, 10), rec.Header().Get(constants.HeaderContentLength))
	assert.Zero(t, rec.Body.Len())
	assert.Empty(t, f.upstream.recordedOffsets())
}

func TestDownload_FileNotFound(t *testing.T) {
	f := newFixture(t, &fakeStore{err: domain.ErrFileNotFound})

	rec := f.get(t, "/dl/"+testDBID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownload_HashValidation(t *testing.T) {
	f := newFixture(t, &fakeStore{record: testRecord(t)})

	ok := f.get(t, "/dl/"+testDBID+"?hash=uniq", nil)
	assert.Equal(t, http.StatusOK, ok.Code)

	bad := f.get(t, "/dl/"+testDBID+"?hash=nope", nil)
	assert.Equal(t, http.StatusForbidden, bad.Code)
}

func TestDownload_AttachmentForNonMedia(t *testing.T) {
	record := testRecord(t)
	record.MimeType = "application/zip"
	record.FileName = "bundle.zip"
	f := newFixture(t, &fakeStore{record: record})

	rec := f.get(t, "/dl/"+testDBID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(constants.HeaderContentDisposition), "attachment")
	assert.Contains(t, rec.Header().Get(constants.HeaderContentDisposition), "bundle.zip")
}

func TestWatch_RendersAndCaches(t *testing.T) {
	f := newFixture(t, &fakeStore{record: testRecord(t)})

	first := f.get(t, "/watch/"+testDBID, nil)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, constants.ContentTypeHTML, first.Header().Get(constants.HeaderContentType))
	assert.Contains(t, first.Body.String(), "https://stream.example.com/dl/"+testDBID)
	assert.Contains(t, first.Body.String(), "video.mp4")

	require.True(t, f.app.pageCache.Contains("watch_"+testDBID))
	second := f.get(t, "/watch/"+testDBID, nil)
	assert.Equal(t, first.Body.String(), second.Body.String())
}

func TestThumb_DisabledReturnsNotice(t *testing.T) {
	f := newFixture(t, &fakeStore{record: testRecord(t)})

	rec := f.get(t, "/thumb/"+testDBID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "disabled")
}

func TestThumb_ServesAndCaches(t *testing.T) {
	record := testRecord(t)
	record.Thumb = "thumb-handle"
	f := newFixture(t, &fakeStore{record: record})
	f.app.cfg.Upstream.EnableThumbnails = true

	first := f.get(t, "/thumb/"+testDBID, nil)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "image/jpeg", first.Header().Get(constants.HeaderContentType))
	assert.Equal(t, "public, max-age=31536000", first.Header().Get(constants.HeaderCacheControl))
	assert.Equal(t, "thumb-bytes", first.Body.String())
	assert.Equal(t, int32(1), f.upstream.streamCalls.Load())

	// The second hit is answered from the thumb cache.
	second := f.get(t, "/thumb/"+testDBID, nil)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, int32(1), f.upstream.streamCalls.Load())
}

func TestStatus_Snapshot(t *testing.T) {
	f := newFixture(t, &fakeStore{record: testRecord(t)})

	rec := f.get(t, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got statusResponse
	require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "running", got.ServerStatus)
	assert.Equal(t, "@streambot", got.BotUsername)
	assert.Equal(t, 1, got.ConnectedBots)
	assert.False(t, got.ThumbnailsEnabled)
	assert.Equal(t, "v0.4.2", got.Version)
	require.Len(t, got.Loads, 1)
	assert.Equal(t, "bot1", got.Loads[0].Bot)
}

func TestRoot_RedirectsToStatus(t *testing.T) {
	f := newFixture(t, &fakeStore{record: testRecord(t)})

	rec := f.get(t, "/", nil)
	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "/status", rec.Header().Get("Location"))
}

func TestUnknownRoute_404(t *testing.T) {
	f := newFixture(t, &fakeStore{record: testRecord(t)})

	rec := f.get(t, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestParseRange(t *testing.T) {
	size := int64(1000)

	from, until, hasRange, err := parseRange("", size)
	require.NoError(t, err)
	assert.False(t, hasRange)
	assert.Equal(t, int64(0), from)
	assert.Equal(t, int64(999), until)

	from, until, hasRange, err = parseRange("bytes=100-199", size)
	require.NoError(t, err)
	assert.True(t, hasRange)
	assert.Equal(t, int64(100), from)
	assert.Equal(t, int64(199), until)

	from, until, _, err = parseRange("bytes=900-", size)
	require.NoError(t, err)
	assert.Equal(t, int64(900), from)
	assert.Equal(t, int64(999), until)

	from, until, _, err = parseRange("bytes=-100", size)
	require.NoError(t, err)
	assert.Equal(t, int64(900), from)
	assert.Equal(t, int64(999), until)

	// An end equal to the size is tolerated and clamped to the last byte.
	from, until, _, err = parseRange("bytes=0-1000", size)
	require.NoError(t, err)
	assert.Equal(t, int64(0), from)
	assert.Equal(t, int64(999), until)

	for _, bad := range []string{"bytes=abc-def", "bytes=100-99", "bytes=0-1001", "items=0-1", "bytes=1-2,5-6"} {
		_, _, _, err = parseRange(bad, size)
		assert.ErrorIs(t, err, domain.ErrRangeNotSatisfiable, bad)
	}
}

func TestDeferredWriter_NoBodyNoHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	staged := http.Header{}
	staged.Set(constants.HeaderContentLength, "42")
	dw := &deferredWriter{w: rec, status: http.StatusPartialContent, headers: staged}

	// Nothing reaches the live header map before the first body byte.
	assert.False(t, dw.wrote)
	assert.Empty(t, rec.Header().Get(constants.HeaderContentLength))

	_, err := dw.Write([]byte("x"))
	require.NoError(t, err)
	assert.True(t, dw.wrote)
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "42", rec.Header().Get(constants.HeaderContentLength))
}

func TestContentTypeOf(t *testing.T) {
	assert.Equal(t, "video/mp4",
		contentTypeOf(&domain.FileMetadata{MimeType: "video/mp4", Name: "a.bin"}))
	assert.Equal(t, "application/pdf",
		contentTypeOf(&domain.FileMetadata{Name: "report.pdf"}))
	assert.Equal(t, constants.ContentTypeBinary,
		contentTypeOf(&domain.FileMetadata{Name: "blob.qqq"}))
	assert.Equal(t, constants.ContentTypeBinary,
		contentTypeOf(&domain.FileMetadata{}))
}

func TestStatusLoadOrdering(t *testing.T) {
	f := newFixture(t, &fakeStore{record: testRecord(t)})

	f.selector.IncrementLoad(0)
	rec := f.get(t, "/status", nil)

	var got statusResponse
	require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Loads, 1)
	assert.Equal(t, int64(1), got.Loads[0].Load)
	_ = fmt.Sprintf("%v", got.BalancerStatus)
}
