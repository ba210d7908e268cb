package streamer

/*
				Streamgate Streamer - chunked byte delivery
	One Streamer serves files through one upstream client. Resolution turns
	a public file identifier into metadata plus a handle valid for this
	client, minting a fresh handle through the log channel when the store
	has none. Streaming fetches aligned chunks over a pooled media session
	and slices them down to the requested byte range.
*/

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/streamgate/streamgate/internal/adapter/platform"
	"github.com/streamgate/streamgate/internal/core/domain"
	"github.com/streamgate/streamgate/internal/core/ports"
	"github.com/streamgate/streamgate/internal/logger"
	"github.com/streamgate/streamgate/internal/util"
)

const (
	chunkTimeout      = 20 * time.Second
	chunkAttempts     = 3
	resolveAttempts   = 3
	resolveRetryDelay = time.Second

	// FailureCooldown is how long a file identifier stays blocked after
	// resolution exhausts its attempts.
	FailureCooldown = 300 * time.Second

	cacheClearInterval = 30 * time.Minute
)

// Streamer resolves and streams files through a single upstream client.
type Streamer struct {
	client  *platform.Client
	pool    *platform.SessionPool
	store   ports.MetadataStore
	loads   ports.LoadTracker
	latency ports.LatencyRecorder
	logger  *logger.StyledLogger

	logChannel int64

	cached   *xsync.Map[string, *domain.FileMetadata]
	failures *xsync.Map[string, time.Time]

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(client *platform.Client, pool *platform.SessionPool, store ports.MetadataStore,
	loads ports.LoadTracker, latency ports.LatencyRecorder, logChannel int64,
	lgr *logger.StyledLogger) *Streamer {

	return &Streamer{
		client:     client,
		pool:       pool,
		store:      store,
		loads:      loads,
		latency:    latency,
		logger:     lgr,
		logChannel: logChannel,
		cached:     xsync.NewMap[string, *domain.FileMetadata](),
		failures:   xsync.NewMap[string, time.Time](),
		stopCh:     make(chan struct{}),
	}
}

// ClientID identifies the upstream client this streamer serves through.
func (s *Streamer) ClientID() int {
	return s.client.ID
}

// Start launches the periodic cache clear.
func (s *Streamer) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(cacheClearInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.ClearCaches()
			}
		}
	}()
}

func (s *Streamer) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// ClearCaches drops resolved metadata and expired failure cooldowns.
func (s *Streamer) ClearCaches() {
	s.cached.Clear()
	now := time.Now()
	s.failures.Range(func(key string, since time.Time) bool {
		if now.Sub(since) >= FailureCooldown {
			s.failures.Delete(key)
		}
		return true
	})
}

// Resolve turns a public file identifier into metadata carrying a handle
// valid for this streamer's client.
func (s *Streamer) Resolve(ctx context.Context, dbID string) (*domain.FileMetadata, error) {
	if since, ok := s.failures.Load(dbID); ok {
		if time.Since(since) < FailureCooldown {
			return nil, fmt.Errorf("%s: %w", dbID, domain.ErrUnavailable)
		}
		s.failures.Delete(dbID)
	}

	if meta, ok := s.cached.Load(dbID); ok {
		return meta, nil
	}

	meta, err := s.resolveWithRetry(ctx, dbID)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.failures.Store(dbID, time.Now())
		}
		return nil, err
	}

	s.cached.Store(dbID, meta)
	return meta, nil
}

func (s *Streamer) resolveWithRetry(ctx context.Context, dbID string) (*domain.FileMetadata, error) {
	var lastErr error
	for attempt := 1; attempt <= resolveAttempts; attempt++ {
		meta, err := s.resolveOnce(ctx, dbID)
		if err == nil {
			return meta, nil
		}
		lastErr = err

		if errors.Is(err, domain.ErrFileNotFound) || errors.Is(err, context.Canceled) {
			return nil, err
		}

		delay := resolveRetryDelay
		if fw, ok := domain.AsFloodWait(err); ok {
			delay = fw.Wait()
			s.logger.WarnWithClient("flood wait during resolve", s.client.ID,
				"db_id", dbID, "wait", delay)
		}
		if attempt < resolveAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return nil, fmt.Errorf("resolving %s: %w", dbID, lastErr)
}

func (s *Streamer) resolveOnce(ctx context.Context, dbID string) (*domain.FileMetadata, error) {
	record, err := s.store.GetFile(ctx, dbID)
	if err != nil {
		return nil, err
	}

	ref, err := domain.DecodeFileRef(record.FileID)
	if err != nil {
		return nil, fmt.Errorf("file %s: %w", dbID, err)
	}

	meta := &domain.FileMetadata{
		DBID:          dbID,
		Ref:           ref,
		Size:          record.FileSize,
		MimeType:      record.MimeType,
		Name:          record.FileName,
		UniqueID:      record.FileUniqueID,
		Thumb:         record.Thumb,
		ClientHandles: make(map[int]string, len(record.FileIDs)+1),
	}
	for key, handle := range record.FileIDs {
		clientID, convErr := strconv.Atoi(key)
		if convErr != nil {
			continue
		}
		meta.ClientHandles[clientID] = handle
	}

	if _, ok := meta.ClientHandles[s.client.ID]; !ok && s.client.ID != 0 {
		if err := s.publishHandle(ctx, record, meta); err != nil {
			return nil, err
		}
	}
	return meta, nil
}

// publishHandle mints a handle valid for this client by reposting the file
// into the log channel and persisting the observed handle.
func (s *Streamer) publishHandle(ctx context.Context, record *domain.FileRecord, meta *domain.FileMetadata) error {
	msg, err := s.client.SendCachedMedia(ctx, s.logChannel, record.FileID)
	if err != nil {
		return fmt.Errorf("publishing handle for %s: %w", meta.DBID, err)
	}

	handle := msg.FileHandle
	if handle == "" {
		msgs, err := s.client.GetMessages(ctx, s.logChannel, []int64{msg.ID})
		if err != nil {
			return fmt.Errorf("reading published handle for %s: %w", meta.DBID, err)
		}
		if len(msgs) == 0 || msgs[0].FileHandle == "" {
			return fmt.Errorf("published message for %s carries no media", meta.DBID)
		}
		handle = msgs[0].FileHandle
	}

	meta.ClientHandles[s.client.ID] = handle

	updated := make(map[string]string, len(meta.ClientHandles))
	for id, h := range meta.ClientHandles {
		updated[strconv.Itoa(id)] = h
	}
	if err := s.store.UpdateFileIDs(ctx, meta.DBID, updated); err != nil {
		s.logger.WarnWithClient("persisting published handle failed", s.client.ID,
			"db_id", meta.DBID, "error", err)
	}
	return nil
}

// Thumbnail fetches the file's thumbnail blob, when the record has one.
func (s *Streamer) Thumbnail(ctx context.Context, meta *domain.FileMetadata) ([]byte, error) {
	if meta.Thumb == "" {
		return nil, fmt.Errorf("no thumbnail for %s: %w", meta.DBID, domain.ErrFileNotFound)
	}
	return s.client.StreamMedia(ctx, meta.Thumb)
}

// Stream writes the byte range described by rng to w, fetching aligned
// chunks of chunkSize bytes through one pooled media session.
//
// A chunk failure on the first part propagates; on a later part the stream
// ends cleanly because the response headers already committed a length,
// and the truncation is logged instead.
func (s *Streamer) Stream(ctx context.Context, meta *domain.FileMetadata, rng Range, chunkSize int64, w io.Writer) error {
	s.loads.IncrementLoad(s.client.ID)
	defer s.loads.DecrementLoad(s.client.ID)

	ref, err := meta.RefForClient(s.client.ID)
	if err != nil {
		return fmt.Errorf("decoding handle for %s: %w", meta.DBID, err)
	}
	location := platform.LocationFor(&ref)

	session, err := s.pool.Acquire(ctx, ref.DCID)
	if err != nil {
		return fmt.Errorf("acquiring session for DC %d: %w", ref.DCID, err)
	}
	defer s.pool.Release(session)

	offset := rng.Offset
	for part := 1; part <= rng.PartCount; part++ {
		if err := ctx.Err(); err != nil {
			return nil
		}

		chunk, err := s.fetchChunk(ctx, session, location, offset, chunkSize)
		if err != nil {
			streamErr := &domain.StreamError{
				Err: err, DBID: meta.DBID, ClientID: s.client.ID, Part: part, Offset: offset,
			}
			if part == 1 {
				return streamErr
			}
			s.logger.WarnWithClient("stream truncated", s.client.ID,
				"db_id", meta.DBID, "part", part, "parts", rng.PartCount, "error", err)
			return nil
		}

		slice := sliceChunk(chunk, part, rng)
		if len(slice) > 0 {
			if _, err := w.Write(slice); err != nil {
				if util.IsClientDisconnect(err) {
					return nil
				}
				return fmt.Errorf("writing part %d of %s: %w", part, meta.DBID, err)
			}
		}

		if int64(len(chunk)) < chunkSize {
			break
		}
		offset += chunkSize
	}
	return nil
}

// fetchChunk retries transient failures in place, charging each one to the
// session so the pool can bench a bad connection.
func (s *Streamer) fetchChunk(ctx context.Context, session *platform.Session,
	location platform.Location, offset, chunkSize int64) ([]byte, error) {

	var lastErr error
	for attempt := 1; attempt <= chunkAttempts; attempt++ {
		fetchCtx, cancel := context.WithTimeout(ctx, chunkTimeout)
		started := time.Now()
		chunk, err := s.client.GetFile(fetchCtx, session.Conn(), location, offset, chunkSize)
		cancel()

		if err == nil {
			if s.latency != nil {
				s.latency.RecordResponseTime(s.client.ID, time.Since(started))
			}
			return chunk, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !util.IsTransientNetError(err) {
			return nil, err
		}

		lastErr = err
		session.RecordRetry()
		s.pool.HandleSocketError(session, err)
	}
	return nil, lastErr
}

// sliceChunk trims a fetched chunk to the requested range boundaries.
func sliceChunk(chunk []byte, part int, rng Range) []byte {
	first := part == 1
	last := part == rng.PartCount

	switch {
	case first && last:
		start := min64(rng.FirstCut, int64(len(chunk)))
		end := min64(rng.LastCut, int64(len(chunk)))
		if start > end {
			return nil
		}
		return chunk[start:end]
	case first:
		start := min64(rng.FirstCut, int64(len(chunk)))
		return chunk[start:]
	case last:
		end := min64(rng.LastCut, int64(len(chunk)))
		return chunk[:end]
	default:
		return chunk
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
