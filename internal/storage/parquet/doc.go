// Package parquet reads and writes digest archives.
//
// Digests about to be evicted by retention can be written to a Parquet
// file first. The package provides:
//   - DigestWriter/DigestReader for archive files
//   - Support for multiple compression algorithms (snappy, zstd, lz4, gzip)
//   - Conversion between types.Digest and DigestRow
package parquet
