// Package types defines the records shared by the probe scheduler, the
// digest aggregator and the store.
//
// Key types:
//   - Target: a monitored address
//   - Sample: one probe outcome
//   - Digest: percentile summary of one target over one bucket
//   - TargetEvent: add/delete notification delivered to the scheduler
package types
