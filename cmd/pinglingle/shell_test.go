package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/KaiEkkrin/pinglingle/internal/client"
	"github.com/KaiEkkrin/pinglingle/internal/errors"
	"github.com/KaiEkkrin/pinglingle/internal/storage/parquet"
	"github.com/KaiEkkrin/pinglingle/internal/storage/types"
)

func newTestShell() (*shell, *bytes.Buffer) {
	var out bytes.Buffer
	cfg := client.DefaultConfig()
	// Nothing listens here; commands under test must not connect.
	cfg.Addr = "127.0.0.1:1"
	return newShell(cfg, &out), &out
}

func TestParseWhen(t *testing.T) {
	now := time.Date(2022, 3, 19, 15, 0, 0, 0, time.UTC)
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"now", now, false},
		{"90m", now.Add(-90 * time.Minute), false},
		{"-2h", now.Add(-2 * time.Hour), false},
		{"2022-03-19T14:00:00Z", time.Date(2022, 3, 19, 14, 0, 0, 0, time.UTC), false},
		{"2022-03-19 14:00:00", time.Date(2022, 3, 19, 14, 0, 0, 0, time.Local), false},
		{"2022-03-18", time.Date(2022, 3, 18, 0, 0, 0, 0, time.Local), false},
		{"yesterday", time.Time{}, true},
	}
	for _, tt := range tests {
		got, err := parseWhen(tt.in, now)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseWhen(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseWhen(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDigestQuery(t *testing.T) {
	now := time.Date(2022, 3, 19, 15, 0, 0, 0, time.UTC)

	if _, err := digestQuery(0, "", "", 0, now); !errors.Is(err, errors.ErrInvalidQuery) {
		t.Errorf("empty query error = %v, want ErrInvalidQuery", err)
	}

	q, err := digestQuery(3, "1h", "now", 0, now)
	if err != nil {
		t.Fatalf("digestQuery: %v", err)
	}
	if q.TargetID == nil || *q.TargetID != 3 {
		t.Errorf("target = %v, want 3", q.TargetID)
	}
	if q.Oldest == nil || !q.Oldest.Equal(now.Add(-time.Hour)) {
		t.Errorf("oldest = %v", q.Oldest)
	}
	if q.Newest == nil || !q.Newest.Equal(now) {
		t.Errorf("newest = %v", q.Newest)
	}

	q, err = digestQuery(0, "", "", 50, now)
	if err != nil {
		t.Fatalf("count-only query: %v", err)
	}
	if q.TargetID != nil || q.Count != 50 {
		t.Errorf("count-only query = %+v", q)
	}
}

func TestExecRejectsBadInput(t *testing.T) {
	sh, _ := newTestShell()
	defer sh.Close()
	ctx := context.Background()

	tests := []struct {
		line string
		want error
	}{
		{"frobnicate", errors.ErrUnknownCommand},
		{"delete x", errors.ErrInvalidConfig},
		{"delete 0", errors.ErrInvalidConfig},
		{"add example.net often", errors.ErrInvalidConfig},
		{"samples 1 whenever", errors.ErrInvalidQuery},
		{"digests -target 2", errors.ErrInvalidQuery},
	}
	for _, tt := range tests {
		if err := sh.Exec(ctx, tt.line); !errors.Is(err, tt.want) {
			t.Errorf("Exec(%q) error = %v, want %v", tt.line, err, tt.want)
		}
	}

	for _, line := range []string{"delete", "samples 1", "live 1 2", "archive"} {
		err := sh.Exec(ctx, line)
		if err == nil || !strings.HasPrefix(err.Error(), "usage:") {
			t.Errorf("Exec(%q) error = %v, want usage", line, err)
		}
	}

	if err := sh.Exec(ctx, "   "); err != nil {
		t.Errorf("blank line error = %v", err)
	}
	if err := sh.Exec(ctx, "# comment"); err != nil {
		t.Errorf("comment error = %v", err)
	}
	if err := sh.Exec(ctx, "exit"); !errors.Is(err, errQuit) {
		t.Errorf("exit error = %v, want errQuit", err)
	}
}

func TestHelpListsCommands(t *testing.T) {
	sh, out := newTestShell()
	if err := sh.Exec(context.Background(), "help"); err != nil {
		t.Fatalf("help: %v", err)
	}
	for _, c := range commands {
		if !strings.Contains(out.String(), c.name) {
			t.Errorf("help output missing %q", c.name)
		}
	}
}

func writeArchive(t *testing.T, path string) {
	t.Helper()
	start := time.Date(2022, 3, 19, 15, 0, 0, 0, time.UTC)
	target := int64(3)

	w, err := parquet.NewDigestWriter(path, parquet.DefaultOptions())
	if err != nil {
		t.Fatalf("NewDigestWriter: %v", err)
	}
	digests := []types.Digest{
		{ID: 2, StartTime: start.Add(5 * time.Minute), SampleCount: 10, ErrorCount: 10},
		{ID: 1, TargetID: &target, StartTime: start, SampleCount: 300, Percentile5: 11, Percentile50: 12.5, Percentile95: 40, ErrorCount: 2},
	}
	if err := w.WriteDigests(digests, map[int64]string{3: "example.net"}); err != nil {
		t.Fatalf("WriteDigests: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "digests.parquet")
	writeArchive(t, path)

	sh, out := newTestShell()
	if err := sh.Exec(context.Background(), "archive "+path); err != nil {
		t.Fatalf("archive: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "example.net") || !strings.Contains(got, "2 digests") {
		t.Errorf("unexpected archive output:\n%s", got)
	}
	// Sorted by start time.
	if strings.Index(got, "example.net") > strings.Index(got, "\n-") {
		t.Errorf("digests not in start time order:\n%s", got)
	}
	if strings.Contains(got, "digests before") {
		t.Errorf("horizon printed for a file without one:\n%s", got)
	}

	out.Reset()
	if err := sh.Exec(context.Background(), "archive -target 3 "+path); err != nil {
		t.Fatalf("archive -target: %v", err)
	}
	if !strings.Contains(out.String(), "1 digests") {
		t.Errorf("filtered archive output:\n%s", out.String())
	}

	if err := sh.Exec(context.Background(), "archive "+filepath.Join(t.TempDir(), "missing.parquet")); err == nil {
		t.Error("missing archive should fail")
	}
}

func TestArchiveHorizon(t *testing.T) {
	path := filepath.Join(t.TempDir(), "digests_2022-03-20_00-00-00.parquet")
	writeArchive(t, path)

	sh, out := newTestShell()
	if err := sh.Exec(context.Background(), "archive "+path); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if !strings.HasPrefix(out.String(), "digests before 2022-03-20T00:00:00Z\n") {
		t.Errorf("archive output should open with the horizon:\n%s", out.String())
	}
}
