package scheduler

import (
	"context"
	"time"

	"github.com/KaiEkkrin/pinglingle/internal/storage/types"
)

// Result is the outcome of one probe that got far enough to have one.
// RTT is meaningful only when Status is types.StatusSuccess.
type Result struct {
	Status types.Status
	RTT    time.Duration
}

// Prober sends one reachability request to address. An error means the
// probe could not be carried out at all and is recorded as
// types.StatusUnknown.
type Prober interface {
	Probe(ctx context.Context, address string) (Result, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, address string) (Result, error)

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context, address string) (Result, error) {
	return f(ctx, address)
}
