package artifact

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/pagevault/pagevault/internal/metrics"
)

// Entry names one stored artifact to include in an archive.
type Entry struct {
	Title string
	Name  string // artifact name in the store
}

// Archiver packages completed artifacts into a single zip.
type Archiver struct {
	store Store
}

// NewArchiver builds an Archiver over the given store.
func NewArchiver(store Store) *Archiver {
	return &Archiver{store: store}
}

var unsafeFilename = regexp.MustCompile(`[\x00-\x1f/\\:*?"<>|]+`)

// Package zips the listed artifacts under archives/{batchID}.zip and
// returns the archive's artifact name. Entries are written in a stable
// order so repeated packaging of the same batch produces the same
// member list.
func (a *Archiver) Package(ctx context.Context, batchID string, entries []Entry) (string, error) {
	if len(entries) == 0 {
		return "", fmt.Errorf("no artifacts to package")
	}

	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	used := make(map[string]int)
	for _, entry := range sorted {
		if err := a.addEntry(ctx, zw, entry, used); err != nil {
			_ = zw.Close()
			return "", err
		}
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("close archive: %w", err)
	}

	size := buf.Len()
	name := fmt.Sprintf("archives/%s.zip", batchID)
	if _, err := a.store.Put(ctx, name, "application/zip", &buf); err != nil {
		return "", fmt.Errorf("store archive: %w", err)
	}
	metrics.ArtifactBytesTotal.Add(float64(size))
	return name, nil
}

func (a *Archiver) addEntry(ctx context.Context, zw *zip.Writer, entry Entry, used map[string]int) error {
	rc, err := a.store.Open(ctx, entry.Name)
	if err != nil {
		return fmt.Errorf("open %s: %w", entry.Name, err)
	}
	defer func() { _ = rc.Close() }()

	w, err := zw.Create(memberName(entry, used))
	if err != nil {
		return fmt.Errorf("create archive member: %w", err)
	}
	if _, err := io.Copy(w, rc); err != nil {
		return fmt.Errorf("copy %s into archive: %w", entry.Name, err)
	}
	return nil
}

// memberName derives a readable, collision-free file name inside the
// archive from the entry title.
func memberName(entry Entry, used map[string]int) string {
	base := strings.TrimSpace(unsafeFilename.ReplaceAllString(entry.Title, "_"))
	if base == "" {
		base = strings.TrimSuffix(strings.TrimPrefix(entry.Name, "documents/"), ".html")
	}
	if n := used[base]; n > 0 {
		used[base] = n + 1
		return fmt.Sprintf("%s (%d).html", base, n)
	}
	used[base] = 1
	return base + ".html"
}
