package ports

import (
	"context"
	"time"

	"github.com/streamgate/streamgate/internal/core/domain"
)

// MetadataStore is the async key-value store holding file records, keyed by
// the public file identifier.
type MetadataStore interface {
	GetFile(ctx context.Context, dbID string) (*domain.FileRecord, error)
	UpdateFileIDs(ctx context.Context, dbID string, fileIDs map[string]string) error
}

// PageRenderer renders the watch page for a resolved file.
type PageRenderer interface {
	RenderWatchPage(ctx context.Context, meta *domain.FileMetadata, baseURL string) (string, error)
}

// LoadTracker counts in-flight streams per client. The balancer owns the
// counters; the streamer drives them.
type LoadTracker interface {
	IncrementLoad(clientID int)
	DecrementLoad(clientID int)
}

// LatencyRecorder feeds observed upstream latencies back into client
// selection.
type LatencyRecorder interface {
	RecordResponseTime(clientID int, elapsed time.Duration)
}
