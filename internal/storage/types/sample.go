package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/KaiEkkrin/pinglingle/internal/errors"
)

// Status is the outcome of one probe. Values match the ICMP status codes
// used by earlier deployments so existing databases stay readable.
type Status int16

const (
	StatusUnknown                Status = -1
	StatusSuccess                Status = 0
	StatusNetworkUnreachable     Status = 11002
	StatusHostUnreachable        Status = 11003
	StatusProtocolUnreachable    Status = 11004
	StatusPortUnreachable        Status = 11005
	StatusTimedOut               Status = 11010
	StatusTTLExpired             Status = 11013
	StatusBadDestination         Status = 11018
	StatusDestinationUnreachable Status = 11040
)

var statusNames = map[Status]string{
	StatusUnknown:                "Unknown",
	StatusSuccess:                "Success",
	StatusNetworkUnreachable:     "DestinationNetworkUnreachable",
	StatusHostUnreachable:        "DestinationHostUnreachable",
	StatusProtocolUnreachable:    "DestinationProtocolUnreachable",
	StatusPortUnreachable:        "DestinationPortUnreachable",
	StatusTimedOut:               "TimedOut",
	StatusTTLExpired:             "TtlExpired",
	StatusBadDestination:         "BadDestination",
	StatusDestinationUnreachable: "DestinationUnreachable",
}

// String returns a human-readable representation of the Status.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int16(s))
}

// ParseStatus is the inverse of String. Matching ignores case.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if strings.EqualFold(n, name) {
			return s, nil
		}
	}
	return StatusUnknown, fmt.Errorf("status %q: %w", name, errors.ErrInvalidSample)
}

// Sample is one probe outcome.
type Sample struct {
	ID int64

	// TargetID is nil once the target has been deleted.
	TargetID *int64

	Date time.Time

	// ResponseTimeMillis is set if and only if Status is StatusSuccess.
	ResponseTimeMillis *int32

	Status   Status
	Digested bool
}

// NewSuccessSample records a reply received after rtt.
func NewSuccessSample(targetID int64, at time.Time, rtt time.Duration) Sample {
	ms := int32(rtt / time.Millisecond)
	return Sample{
		TargetID:           &targetID,
		Date:               at.UTC(),
		ResponseTimeMillis: &ms,
		Status:             StatusSuccess,
	}
}

// NewFailedSample records a probe that produced no reply. A StatusSuccess
// argument is recorded as StatusUnknown.
func NewFailedSample(targetID int64, at time.Time, status Status) Sample {
	if status == StatusSuccess {
		status = StatusUnknown
	}
	return Sample{
		TargetID: &targetID,
		Date:     at.UTC(),
		Status:   status,
	}
}

// Succeeded reports whether the sample carries a response time.
func (s *Sample) Succeeded() bool {
	return s.Status == StatusSuccess
}

// Validate checks the response time / status invariant.
func (s *Sample) Validate() error {
	switch {
	case s.Status == StatusSuccess && s.ResponseTimeMillis == nil:
		return fmt.Errorf("success without response time: %w", errors.ErrInvalidSample)
	case s.Status != StatusSuccess && s.ResponseTimeMillis != nil:
		return fmt.Errorf("%s with response time: %w", s.Status, errors.ErrInvalidSample)
	case s.ResponseTimeMillis != nil && *s.ResponseTimeMillis < 0:
		return fmt.Errorf("negative response time: %w", errors.ErrInvalidSample)
	case s.Date.IsZero():
		return fmt.Errorf("missing date: %w", errors.ErrInvalidSample)
	}
	return nil
}
