package render

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"strings"

	"github.com/streamgate/streamgate/internal/core/domain"
	"github.com/streamgate/streamgate/pkg/format"
	"github.com/streamgate/streamgate/pkg/pool"
)

//go:embed templates/*.html
var templateFS embed.FS

// Renderer builds the watch page from the embedded template.
type Renderer struct {
	tmpl    *template.Template
	buffers *pool.Pool[*bytes.Buffer]
}

func New() (*Renderer, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("render: parse templates: %w", err)
	}
	buffers, err := pool.NewLitePool(func() *bytes.Buffer { return &bytes.Buffer{} })
	if err != nil {
		return nil, err
	}
	return &Renderer{tmpl: tmpl, buffers: buffers}, nil
}

type watchPageData struct {
	Title     string
	StreamURL string
	MimeType  string
	Size      string
	IsVideo   bool
	IsAudio   bool
}

func (r *Renderer) RenderWatchPage(_ context.Context, meta *domain.FileMetadata, baseURL string) (string, error) {
	data := watchPageData{
		Title:     meta.Name,
		StreamURL: fmt.Sprintf("%s/dl/%s", strings.TrimRight(baseURL, "/"), meta.DBID),
		MimeType:  meta.MimeType,
		Size:      format.Bytes(uint64(meta.Size)),
		IsVideo:   strings.HasPrefix(meta.MimeType, "video/"),
		IsAudio:   strings.HasPrefix(meta.MimeType, "audio/"),
	}
	if data.Title == "" {
		data.Title = meta.DBID
	}

	buf := r.buffers.Get()
	defer r.buffers.Put(buf)
	if err := r.tmpl.ExecuteTemplate(buf, "watch.html", data); err != nil {
		return "", fmt.Errorf("render: watch page: %w", err)
	}
	return buf.String(), nil
}
