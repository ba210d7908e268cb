package streamer

import (
	"bytes"
	"context"
	"strconv"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamgate/streamgate/internal/adapter/platform"
	"github.com/streamgate/streamgate/internal/core/domain"
	"github.com/streamgate/streamgate/internal/core/ports"
	"github.com/streamgate/streamgate/internal/logger"
)

const (
	testDC         = 2
	testFileSize   = int64(1048576)
	testLogChannel = int64(-100123)
)

type rpcHandler func(method string, args, reply any) error

type scriptedConn struct {
	handler rpcHandler
}

func (c *scriptedConn) Invoke(_ context.Context, method string, args, reply any) error {
	return c.handler(method, args, reply)
}

func (c *scriptedConn) Close() error { return nil }

type scriptedDialer struct {
	handler rpcHandler
}

func (d *scriptedDialer) Dial(_ context.Context, _ int, _ bool) (ports.Conn, error) {
	return &scriptedConn{handler: d.handler}, nil
}

func reply(out, v any) error {
	raw, err := jsoniter.Marshal(v)
	if err != nil {
		return err
	}
	return jsoniter.Unmarshal(raw, out)
}

type fakeStore struct {
	record     *domain.FileRecord
	err        error
	getCalls   atomic.Int32
	updated    atomic.Pointer[map[string]string]
	recordErrs []error
}

func (s *fakeStore) GetFile(_ context.Context, _ string) (*domain.FileRecord, error) {
	n := int(s.getCalls.Add(1))
	if len(s.recordErrs) >= n && s.recordErrs[n-1] != nil {
		return nil, s.recordErrs[n-1]
	}
	if s.err != nil {
		return nil, s.err
	}
	rec := *s.record
	return &rec, nil
}

func (s *fakeStore) UpdateFileIDs(_ context.Context, _ string, fileIDs map[string]string) error {
	s.updated.Store(&fileIDs)
	return nil
}

type fakeLoads struct {
	current atomic.Int64
	peak    atomic.Int64
}

func (l *fakeLoads) IncrementLoad(int) {
	v := l.current.Add(1)
	for {
		peak := l.peak.Load()
		if v <= peak || l.peak.CompareAndSwap(peak, v) {
			return
		}
	}
}

func (l *fakeLoads) DecrementLoad(int) { l.current.Add(-1) }

type fakeLatency struct {
	samples atomic.Int32
}

func (f *fakeLatency) RecordResponseTime(int, time.Duration) { f.samples.Add(1) }

func testFileRecord(t *testing.T, clientHandles map[string]string) *domain.FileRecord {
	t.Helper()
	ref := domain.FileRef{
		DCID:       testDC,
		MediaID:    9001,
		AccessHash: 777,
		FileType:   domain.FileTypeDocument,
	}
	handle, err := ref.Encode()
	require.NoError(t, err)

	return &domain.FileRecord{
		FileID:       handle,
		FileName:     "video.mp4",
		FileSize:     testFileSize,
		MimeType:     "video/mp4",
		FileUniqueID: "uniq-1",
		FileIDs:      clientHandles,
	}
}

// newTestStreamer wires a streamer over scripted RPC. The scripted upstream
// serves deterministic bytes: byte i of the file is byte(i % 251).
func newTestStreamer(t *testing.T, clientID int, store *fakeStore, upstream rpcHandler) (*Streamer, *fakeLoads) {
	t.Helper()

	lgr, styled, cleanup, err := logger.NewStyled(&logger.Config{Level: "error"})
	require.NoError(t, err)
	require.NotNil(t, lgr)
	t.Cleanup(cleanup)

	base := func(method string, args, out any) error {
		switch method {
		case "account.me":
			return reply(out, map[string]any{"username": "bot" + strconv.Itoa(clientID), "dc_id": testDC})
		default:
			if upstream != nil {
				return upstream(method, args, out)
			}
			return nil
		}
	}

	dialer := &scriptedDialer{handler: base}
	client, err := platform.Connect(context.Background(), clientID, testDC, dialer, styled)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	pool := platform.NewSessionPool(client, dialer, styled)
	t.Cleanup(pool.Close)

	loads := &fakeLoads{}
	s := New(client, pool, store, loads, &fakeLatency{}, testLogChannel, styled)
	t.Cleanup(s.Stop)
	return s, loads
}

// fileBytes returns the deterministic test file content for [offset, offset+limit).
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

func serveChunks(calls *[]int64) rpcHandler {
	return func(method string, args, out any) error {
		if method != "upload.getFile" {
			return nil
		}
		var req struct {
			Offset int64 `json:"offset"`
			Limit  int64 `json:"limit"`
		}
		if err := reply(&req, args); err != nil {
			return err
		}
		*calls = append(*calls, req.Offset)
		return reply(out, map[string]any{"bytes": fileBytes(req.Offset, req.Limit)})
	}
}

func TestResolve_CachesMetadata(t *testing.T) {
	store := &fakeStore{record: testFileRecord(t, nil)}
	s, _ := newTestStreamer(t, 0, store, nil)

	meta, err := s.Resolve(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, testFileSize, meta.Size)
	assert.Equal(t, "video.mp4", meta.Name)
	assert.Equal(t, testDC, meta.Ref.DCID)

	_, err = s.Resolve(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, int32(1), store.getCalls.Load())
}

func TestResolve_FileNotFoundDoesNotRetry(t *testing.T) {
	store := &fakeStore{err: domain.ErrFileNotFound}
	s, _ := newTestStreamer(t, 0, store, nil)

	_, err := s.Resolve(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrFileNotFound)
	assert.Equal(t, int32(1), store.getCalls.Load())
}

func TestResolve_RetriesThenSucceeds(t *testing.T) {
	store := &fakeStore{
		record:     testFileRecord(t, nil),
		recordErrs: []error{assert.AnError, &domain.FloodWaitError{Seconds: 0}, nil},
	}
	s, _ := newTestStreamer(t, 0, store, nil)

	meta, err := s.Resolve(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, testFileSize, meta.Size)
	assert.Equal(t, int32(3), store.getCalls.Load())
}

func TestResolve_ExhaustionEntersFailureCooldown(t *testing.T) {
	store := &fakeStore{err: assert.AnError}
	s, _ := newTestStreamer(t, 0, store, nil)

	_, err := s.Resolve(context.Background(), "bad")
	require.Error(t, err)
	assert.Equal(t, int32(resolveAttempts), store.getCalls.Load())

	_, err = s.Resolve(context.Background(), "bad")
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	assert.Equal(t, int32(resolveAttempts), store.getCalls.Load())
}

func TestResolve_PublishesHandleForSecondaryClient(t *testing.T) {
	altRef := domain.FileRef{DCID: testDC, MediaID: 9002, AccessHash: 888}
	altHandle, err := altRef.Encode()
	require.NoError(t, err)

	var sends atomic.Int32
	upstream := func(method string, args, out any) error {
		if method == "messages.sendCachedMedia" {
			sends.Add(1)
			return reply(out, map[string]any{"message": map[string]any{
				"id": int64(55), "file_handle": altHandle, "file_unique_id": "uniq-1",
			}})
		}
		return nil
	}

	store := &fakeStore{record: testFileRecord(t, nil)}
	s, _ := newTestStreamer(t, 2, store, upstream)

	meta, err := s.Resolve(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, int32(1), sends.Load())
	assert.Equal(t, altHandle, meta.ClientHandles[2])

	persisted := store.updated.Load()
	require.NotNil(t, persisted)
	assert.Equal(t, altHandle, (*persisted)["2"])
}

func TestResolve_KnownHandleSkipsPublication(t *testing.T) {
	altRef := domain.FileRef{DCID: testDC, MediaID: 9002, AccessHash: 888}
	altHandle, err := altRef.Encode()
	require.NoError(t, err)

	var sends atomic.Int32
	upstream := func(method string, args, out any) error {
		if method == "messages.sendCachedMedia" {
			sends.Add(1)
		}
		return nil
	}

	store := &fakeStore{record: testFileRecord(t, map[string]string{"2": altHandle})}
	s, _ := newTestStreamer(t, 2, store, upstream)

	meta, err := s.Resolve(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, int32(0), sends.Load())
	assert.Equal(t, altHandle, meta.ClientHandles[2])
}

func TestStream_FullFile(t *testing.T) {
	var calls []int64
	store := &fakeStore{record: testFileRecord(t, nil)}
	s, loads := newTestStreamer(t, 0, store, serveChunks(&calls))

	meta, err := s.Resolve(context.Background(), "abc123")
	require.NoError(t, err)

	rng := ComputeRange(0, testFileSize-1, chunk)
	var out bytes.Buffer
	require.NoError(t, s.Stream(context.Background(), meta, rng, chunk, &out))

	assert.Equal(t, []int64{0, 524288}, calls)
	assert.Equal(t, fileBytes(0, testFileSize), out.Bytes())
	assert.Equal(t, int64(0), loads.current.Load())
	assert.Equal(t, int64(1), loads.peak.Load())
}

func TestStream_MidFileRange(t *testing.T) {
	var calls []int64
	store := &fakeStore{record: testFileRecord(t, nil)}
	s, _ := newTestStreamer(t, 0, store, serveChunks(&calls))

	meta, err := s.Resolve(context.Background(), "abc123")
	require.NoError(t, err)

	rng := ComputeRange(600000, 700000, chunk)
	var out bytes.Buffer
	require.NoError(t, s.Stream(context.Background(), meta, rng, chunk, &out))

	assert.Equal(t, []int64{524288}, calls)
	assert.Equal(t, int64(100001), int64(out.Len()))
	assert.Equal(t, fileBytes(600000, 100001), out.Bytes())
}

func TestStream_FirstPartFailurePropagates(t *testing.T) {
	var attempts atomic.Int32
	upstream := func(method string, args, out any) error {
		if method == "upload.getFile" {
			attempts.Add(1)
			return syscall.ECONNRESET
		}
		return nil
	}

	store := &fakeStore{record: testFileRecord(t, nil)}
	s, loads := newTestStreamer(t, 0, store, upstream)

	meta, err := s.Resolve(context.Background(), "abc123")
	require.NoError(t, err)

	rng := ComputeRange(0, testFileSize-1, chunk)
	var out bytes.Buffer
	err = s.Stream(context.Background(), meta, rng, chunk, &out)

	require.Error(t, err)
	var streamErr *domain.StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, 1, streamErr.Part)
	assert.Equal(t, int32(chunkAttempts), attempts.Load())
	assert.Zero(t, out.Len())
	assert.Equal(t, int64(0), loads.current.Load())
}

func TestStream_LaterPartFailureTruncatesCleanly(t *testing.T) {
	upstream := func(method string, args, out any) error {
		if method != "upload.getFile" {
			return nil
		}
		var req struct {
			Offset int64 `json:"offset"`
			Limit  int64 `json:"limit"`
		}
		if err := reply(&req, args); err != nil {
			return err
		}
		if req.Offset > 0 {
			return syscall.ECONNRESET
		}
		return reply(out, map[string]any{"bytes": fileBytes(req.Offset, req.Limit)})
	}

	store := &fakeStore{record: testFileRecord(t, nil)}
	s, _ := newTestStreamer(t, 0, store, upstream)

	meta, err := s.Resolve(context.Background(), "abc123")
	require.NoError(t, err)

	rng := ComputeRange(0, testFileSize-1, chunk)
	var out bytes.Buffer
	require.NoError(t, s.Stream(context.Background(), meta, rng, chunk, &out))

	// First chunk delivered, the rest silently dropped.
	assert.Equal(t, int(chunk), out.Len())
}

func TestStream_ClientDisconnectEndsQuietly(t *testing.T) {
	var calls []int64
	store := &fakeStore{record: testFileRecord(t, nil)}
	s, loads := newTestStreamer(t, 0, store, serveChunks(&calls))

	meta, err := s.Resolve(context.Background(), "abc123")
	require.NoError(t, err)

	rng := ComputeRange(0, testFileSize-1, chunk)
	err = s.Stream(context.Background(), meta, rng, chunk, writerFunc(func([]byte) (int, error) {
		return 0, syscall.EPIPE
	}))

	require.NoError(t, err)
	assert.Equal(t, int64(0), loads.current.Load())
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func TestClearCaches_DropsMetadataKeepsActiveCooldowns(t *testing.T) {
	store := &fakeStore{record: testFileRecord(t, nil)}
	s, _ := newTestStreamer(t, 0, store, nil)

	_, err := s.Resolve(context.Background(), "abc123")
	require.NoError(t, err)

	s.failures.Store("blocked", time.Now())
	s.ClearCaches()

	_, cached := s.cached.Load("abc123")
	assert.False(t, cached)
	_, blocked := s.failures.Load("blocked")
	assert.True(t, blocked)

	// Re-resolving after a cache clear hits the store again.
	_, err = s.Resolve(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, int32(2), store.getCalls.Load())
}
