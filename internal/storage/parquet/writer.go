package parquet

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/KaiEkkrin/pinglingle/internal/storage/types"
)

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// PageBufferSize is the page buffer size in bytes. Zero keeps the
	// library default.
	PageBufferSize int
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression: CompressionZstd,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// DigestRow represents a digest in Parquet format.
type DigestRow struct {
	ID           int64   `parquet:"id"`
	TargetID     *int64  `parquet:"target_id,optional"`
	Address      string  `parquet:"address,optional,zstd"`
	StartTimeMs  int64   `parquet:"start_time_ms"`
	SampleCount  int32   `parquet:"sample_count"`
	Percentile5  float64 `parquet:"p5"`
	Percentile50 float64 `parquet:"p50"`
	Percentile95 float64 `parquet:"p95"`
	ErrorCount   int32   `parquet:"error_count"`
}

// DigestToRow converts a Digest to a DigestRow. address may be empty when
// the target is unknown.
func DigestToRow(d *types.Digest, address string) DigestRow {
	row := DigestRow{
		ID:           d.ID,
		Address:      address,
		StartTimeMs:  d.StartTime.UnixMilli(),
		SampleCount:  d.SampleCount,
		Percentile5:  d.Percentile5,
		Percentile50: d.Percentile50,
		Percentile95: d.Percentile95,
		ErrorCount:   d.ErrorCount,
	}
	if d.TargetID != nil {
		id := *d.TargetID
		row.TargetID = &id
	}
	return row
}

// RowToDigest converts a DigestRow to a Digest.
func RowToDigest(r *DigestRow) types.Digest {
	d := types.Digest{
		ID:           r.ID,
		StartTime:    time.UnixMilli(r.StartTimeMs).UTC(),
		SampleCount:  r.SampleCount,
		Percentile5:  r.Percentile5,
		Percentile50: r.Percentile50,
		Percentile95: r.Percentile95,
		ErrorCount:   r.ErrorCount,
	}
	if r.TargetID != nil {
		id := *r.TargetID
		d.TargetID = &id
	}
	return d
}

// DigestWriter writes digests to a Parquet file.
type DigestWriter struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[DigestRow]
	rowCount int64
	closed   bool
}

// NewDigestWriter creates a new digest Parquet writer.
func NewDigestWriter(path string, opts Options) (*DigestWriter, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writerOpts := []parquet.WriterOption{
		parquet.Compression(getCompression(opts.Compression)),
	}
	if opts.PageBufferSize > 0 {
		writerOpts = append(writerOpts, parquet.PageBufferSize(opts.PageBufferSize))
	}

	return &DigestWriter{
		path:   path,
		file:   f,
		writer: parquet.NewGenericWriter[DigestRow](f, writerOpts...),
	}, nil
}

// Write appends rows to the Parquet file.
func (w *DigestWriter) Write(rows []DigestRow) error {
	if len(rows) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	w.rowCount += int64(n)
	return nil
}

// WriteDigests converts and appends digests. addresses maps target id to
// address and may be nil.
func (w *DigestWriter) WriteDigests(digests []types.Digest, addresses map[int64]string) error {
	rows := make([]DigestRow, len(digests))
	for i := range digests {
		var addr string
		if digests[i].TargetID != nil {
			addr = addresses[*digests[i].TargetID]
		}
		rows[i] = DigestToRow(&digests[i], addr)
	}
	return w.Write(rows)
}

// Close flushes and closes the writer.
func (w *DigestWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}

	return w.file.Close()
}

// Abort closes the writer and removes the partial file.
func (w *DigestWriter) Abort() {
	_ = w.Close()
	_ = os.Remove(w.path)
}

// RowCount returns the number of rows written.
func (w *DigestWriter) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *DigestWriter) Path() string {
	return w.path
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("parquet writer is closed")
