// Package batch parses bulk task lists and runs them through the crawl
// pipeline under a bounded-concurrency scheduler.
package batch

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// ParsedTask is one accepted line of a task list.
type ParsedTask struct {
	Title string
	URL   string
}

// RejectedLine reports one input line that was not accepted and why.
type RejectedLine struct {
	Line   int
	Raw    string
	Reason string
}

// maxListBytes bounds how much of a submitted list is read.
const maxListBytes = 4 << 20

// ParseTaskList reads tab-separated "title<TAB>url" lines (a bare URL is
// also accepted, using the URL as its own title). Duplicate URLs are
// rejected rather than merged; invalid lines are reported separately.
func ParseTaskList(r io.Reader) ([]ParsedTask, []RejectedLine, error) {
	scanner := bufio.NewScanner(io.LimitReader(r, maxListBytes))
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var (
		tasks    []ParsedTask
		rejected []RejectedLine
		seen     = make(map[string]bool)
		lineNo   int
	)
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}

		title, rawURL := splitLine(raw)
		if err := validateURL(rawURL); err != nil {
			rejected = append(rejected, RejectedLine{Line: lineNo, Raw: raw, Reason: err.Error()})
			continue
		}
		if seen[rawURL] {
			rejected = append(rejected, RejectedLine{Line: lineNo, Raw: raw, Reason: "duplicate url"})
			continue
		}
		seen[rawURL] = true
		if title == "" {
			title = rawURL
		}
		tasks = append(tasks, ParsedTask{Title: title, URL: rawURL})
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("read task list: %w", err)
	}
	return tasks, rejected, nil
}

func splitLine(raw string) (title, rawURL string) {
	if idx := strings.IndexByte(raw, '\t'); idx >= 0 {
		return strings.TrimSpace(raw[:idx]), strings.TrimSpace(raw[idx+1:])
	}
	return "", raw
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("missing url")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}
