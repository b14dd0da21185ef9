package parquet

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/KaiEkkrin/pinglingle/internal/storage/types"
)

func testDigests() []types.Digest {
	start := time.Date(2022, 3, 19, 15, 0, 0, 0, time.UTC)
	target := int64(3)
	return []types.Digest{
		{ID: 1, TargetID: &target, StartTime: start, SampleCount: 300, Percentile5: 11, Percentile50: 12.5, Percentile95: 40, ErrorCount: 2},
		{ID: 2, StartTime: start.Add(5 * time.Minute), SampleCount: 10, ErrorCount: 10},
	}
}

func TestDigestWriteAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive", "digests.parquet")

	w, err := NewDigestWriter(path, DefaultOptions())
	if err != nil {
		t.Fatalf("NewDigestWriter: %v", err)
	}
	if err := w.WriteDigests(testDigests(), map[int64]string{3: "example.net"}); err != nil {
		t.Fatalf("WriteDigests: %v", err)
	}
	if w.RowCount() != 2 {
		t.Errorf("RowCount = %d, want 2", w.RowCount())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Write([]DigestRow{{}}); err != ErrWriterClosed {
		t.Errorf("write after close = %v, want ErrWriterClosed", err)
	}

	r, err := NewDigestReader(path)
	if err != nil {
		t.Fatalf("NewDigestReader: %v", err)
	}
	defer r.Close()

	if r.NumRows() != 2 {
		t.Fatalf("NumRows = %d, want 2", r.NumRows())
	}
	rows, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("read %d rows, want 2", len(rows))
	}

	if rows[0].Address != "example.net" || rows[1].Address != "" {
		t.Errorf("addresses = %q, %q", rows[0].Address, rows[1].Address)
	}

	want := testDigests()
	for i := range rows {
		got := RowToDigest(&rows[i])
		if !got.StartTime.Equal(want[i].StartTime) || got.SampleCount != want[i].SampleCount ||
			got.Percentile50 != want[i].Percentile50 || got.ErrorCount != want[i].ErrorCount {
			t.Errorf("row %d = %+v, want %+v", i, got, want[i])
		}
		if (got.TargetID == nil) != (want[i].TargetID == nil) {
			t.Errorf("row %d target id presence mismatch", i)
		}
	}
}

func TestCompressionOptions(t *testing.T) {
	for _, name := range []string{"none", "snappy", "zstd", "lz4", "gzip"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name+".parquet")
			w, err := NewDigestWriter(path, Options{Compression: ParseCompressionType(name)})
			if err != nil {
				t.Fatal(err)
			}
			if err := w.WriteDigests(testDigests(), nil); err != nil {
				t.Fatal(err)
			}
			if err := w.Close(); err != nil {
				t.Fatal(err)
			}

			info, err := GetFileInfo(path)
			if err != nil {
				t.Fatal(err)
			}
			if info.NumRows != 2 || info.Size == 0 {
				t.Errorf("info = %+v", info)
			}
		})
	}
}

func TestAbortRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.parquet")
	w, err := NewDigestWriter(path, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	w.Abort()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("file should be removed, stat err = %v", err)
	}
}
