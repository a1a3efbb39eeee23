package artifact

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pagevault/pagevault/internal/metrics"
)

// Renderer turns a sanitized content fragment into a stored artifact
// and returns its name.
type Renderer interface {
	Render(ctx context.Context, title, content, sourceURL string) (string, error)
}

// documentTemplate wraps the sanitized fragment in a minimal standalone
// page. The fragment is already sanitized, so it is injected verbatim.
var documentTemplate = template.Must(template.New("document").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { max-width: 48rem; margin: 2rem auto; padding: 0 1rem; font-family: serif; line-height: 1.6; }
img { max-width: 100%; }
.provenance { color: #666; font-size: 0.85rem; border-bottom: 1px solid #ddd; padding-bottom: 0.5rem; }
</style>
</head>
<body>
<p class="provenance">Captured {{.CapturedAt}} from <a href="{{.SourceURL}}">{{.SourceURL}}</a></p>
<h1>{{.Title}}</h1>
{{.Content}}
</body>
</html>
`))

// DocumentRenderer writes standalone HTML documents into a Store.
type DocumentRenderer struct {
	store Store
	now   func() time.Time
}

// NewDocumentRenderer builds a renderer over the given store.
func NewDocumentRenderer(store Store) *DocumentRenderer {
	return &DocumentRenderer{store: store, now: time.Now}
}

// Render produces one document artifact and returns its name.
func (r *DocumentRenderer) Render(ctx context.Context, title, content, sourceURL string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("content is empty")
	}
	if strings.TrimSpace(title) == "" {
		title = sourceURL
	}

	var buf bytes.Buffer
	err := documentTemplate.Execute(&buf, struct {
		Title      string
		SourceURL  string
		CapturedAt string
		Content    template.HTML
	}{
		Title:      title,
		SourceURL:  sourceURL,
		CapturedAt: r.now().UTC().Format(time.RFC3339),
		Content:    template.HTML(content),
	})
	if err != nil {
		return "", fmt.Errorf("execute document template: %w", err)
	}

	size := buf.Len()
	name := fmt.Sprintf("documents/%s.html", uuid.NewString())
	if _, err := r.store.Put(ctx, name, "text/html; charset=utf-8", &buf); err != nil {
		return "", fmt.Errorf("store document: %w", err)
	}
	metrics.ArtifactBytesTotal.Add(float64(size))
	return name, nil
}

var _ Renderer = (*DocumentRenderer)(nil)
