package artifact

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func newLocal(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}
	return s
}

func TestLocalStoreRoundTrip(t *testing.T) {
	t.Parallel()

	s := newLocal(t)
	ctx := context.Background()

	loc, err := s.Put(ctx, "documents/a.html", "text/html", strings.NewReader("<p>hi</p>"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if loc == "" {
		t.Fatal("expected a location")
	}

	rc, err := s.Open(ctx, "documents/a.html")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = rc.Close() }()
	data, _ := io.ReadAll(rc)
	if string(data) != "<p>hi</p>" {
		t.Fatalf("read back %q", data)
	}
}

func TestLocalStoreNotFound(t *testing.T) {
	t.Parallel()

	s := newLocal(t)
	if _, err := s.Open(context.Background(), "documents/missing.html"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Open(missing) error = %v, want ErrNotFound", err)
	}
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	t.Parallel()

	s := newLocal(t)
	if _, err := s.Put(context.Background(), "../escape.html", "", strings.NewReader("x")); err == nil {
		t.Fatal("expected traversal rejection")
	}
}

func TestDocumentRendererProducesStandalonePage(t *testing.T) {
	t.Parallel()

	s := newLocal(t)
	r := NewDocumentRenderer(s)
	ctx := context.Background()

	name, err := r.Render(ctx, "A Title", "<p>body content</p>", "https://example.com/src")
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if !strings.HasPrefix(name, "documents/") || !strings.HasSuffix(name, ".html") {
		t.Fatalf("artifact name = %q", name)
	}

	rc, err := s.Open(ctx, name)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = rc.Close() }()
	doc, _ := io.ReadAll(rc)
	for _, want := range []string{"<!DOCTYPE html>", "A Title", "<p>body content</p>", "https://example.com/src"} {
		if !strings.Contains(string(doc), want) {
			t.Fatalf("document missing %q:\n%s", want, doc)
		}
	}
}

func TestDocumentRendererRejectsEmptyContent(t *testing.T) {
	t.Parallel()

	r := NewDocumentRenderer(newLocal(t))
	if _, err := r.Render(context.Background(), "T", "   ", "https://example.com"); err == nil {
		t.Fatal("expected error for empty content")
	}
}

func TestArchiverPackagesEntries(t *testing.T) {
	t.Parallel()

	s := newLocal(t)
	ctx := context.Background()
	_, _ = s.Put(ctx, "documents/1.html", "", strings.NewReader("one"))
	_, _ = s.Put(ctx, "documents/2.html", "", strings.NewReader("two"))

	a := NewArchiver(s)
	name, err := a.Package(ctx, "batch-1", []Entry{
		{Title: "First", Name: "documents/1.html"},
		{Title: "Second", Name: "documents/2.html"},
	})
	if err != nil {
		t.Fatalf("Package() error = %v", err)
	}
	if name != "archives/batch-1.zip" {
		t.Fatalf("archive name = %q", name)
	}

	rc, err := s.Open(ctx, name)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = rc.Close() }()
	blob, _ := io.ReadAll(rc)
	zr, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		t.Fatalf("zip.NewReader() error = %v", err)
	}
	if len(zr.File) != 2 {
		t.Fatalf("archive has %d members, want 2", len(zr.File))
	}
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	if !names["First.html"] || !names["Second.html"] {
		t.Fatalf("unexpected member names: %v", names)
	}
}

func TestArchiverDisambiguatesDuplicateTitles(t *testing.T) {
	t.Parallel()

	s := newLocal(t)
	ctx := context.Background()
	_, _ = s.Put(ctx, "documents/1.html", "", strings.NewReader("one"))
	_, _ = s.Put(ctx, "documents/2.html", "", strings.NewReader("two"))

	a := NewArchiver(s)
	name, err := a.Package(ctx, "batch-2", []Entry{
		{Title: "Same", Name: "documents/1.html"},
		{Title: "Same", Name: "documents/2.html"},
	})
	if err != nil {
		t.Fatalf("Package() error = %v", err)
	}

	rc, _ := s.Open(ctx, name)
	defer func() { _ = rc.Close() }()
	blob, _ := io.ReadAll(rc)
	zr, _ := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	if len(names) != 2 {
		t.Fatalf("duplicate member names collided: %v", names)
	}
}

func TestArchiverFailsOnMissingArtifact(t *testing.T) {
	t.Parallel()

	a := NewArchiver(newLocal(t))
	_, err := a.Package(context.Background(), "batch-3", []Entry{
		{Title: "Ghost", Name: "documents/ghost.html"},
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Package() error = %v, want ErrNotFound", err)
	}
}

func TestArchiverRejectsEmptyBatch(t *testing.T) {
	t.Parallel()

	a := NewArchiver(newLocal(t))
	if _, err := a.Package(context.Background(), "batch-4", nil); err == nil {
		t.Fatal("expected error for empty entry list")
	}
}
