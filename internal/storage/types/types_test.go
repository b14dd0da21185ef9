package types

import (
	"testing"
	"time"

	"github.com/KaiEkkrin/pinglingle/internal/errors"
)

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return ts
}

func TestFiveMinuteFloor(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"2022-03-19T14:59:32Z", "2022-03-19T14:55:00Z"},
		{"2022-03-19T15:00:00Z", "2022-03-19T15:00:00Z"},
		{"2022-03-19T15:04:59Z", "2022-03-19T15:00:00Z"},
		{"2022-03-19T15:05:00Z", "2022-03-19T15:05:00Z"},
		{"2022-03-19T15:13:42+01:00", "2022-03-19T14:10:00Z"},
		{"2022-03-19T00:02:00-05:30", "2022-03-19T05:30:00Z"},
		{"2022-03-19T23:59:59.999Z", "2022-03-19T23:55:00Z"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := FiveMinuteFloor(mustParse(t, tt.in))
			want := mustParse(t, tt.want)
			if !got.Equal(want) {
				t.Errorf("FiveMinuteFloor(%s) = %s, want %s", tt.in, got.Format(time.RFC3339), tt.want)
			}
			if got.Location() != time.UTC {
				t.Errorf("result location = %v, want UTC", got.Location())
			}
		})
	}
}

func TestBucketStartWidths(t *testing.T) {
	ts := mustParse(t, "2022-03-19T15:47:12Z")

	tests := []struct {
		width time.Duration
		want  string
	}{
		{time.Minute, "2022-03-19T15:47:00Z"},
		{15 * time.Minute, "2022-03-19T15:45:00Z"},
		{time.Hour, "2022-03-19T15:00:00Z"},
		{0, "2022-03-19T15:45:00Z"},
		{-time.Minute, "2022-03-19T15:45:00Z"},
	}
	for _, tt := range tests {
		if got := BucketStart(ts, tt.width); !got.Equal(mustParse(t, tt.want)) {
			t.Errorf("BucketStart(%v) = %s, want %s", tt.width, got, tt.want)
		}
	}
}

func TestSampleConstructors(t *testing.T) {
	at := mustParse(t, "2022-03-19T15:00:01+01:00")

	ok := NewSuccessSample(7, at, 12*time.Millisecond+900*time.Microsecond)
	if err := ok.Validate(); err != nil {
		t.Fatalf("success sample invalid: %v", err)
	}
	if *ok.ResponseTimeMillis != 12 {
		t.Errorf("response time = %d, want 12", *ok.ResponseTimeMillis)
	}
	if *ok.TargetID != 7 || ok.Date.Location() != time.UTC {
		t.Errorf("unexpected sample %+v", ok)
	}

	failed := NewFailedSample(7, at, StatusTimedOut)
	if err := failed.Validate(); err != nil {
		t.Fatalf("failed sample invalid: %v", err)
	}
	if failed.ResponseTimeMillis != nil || failed.Succeeded() {
		t.Error("failed sample must not carry a response time")
	}

	if s := NewFailedSample(7, at, StatusSuccess); s.Status != StatusUnknown {
		t.Errorf("success without reply recorded as %s", s.Status)
	}
}

func TestSampleValidate(t *testing.T) {
	ms := int32(5)
	neg := int32(-1)
	now := time.Now()

	tests := []struct {
		name   string
		sample Sample
		valid  bool
	}{
		{"success with time", Sample{Date: now, Status: StatusSuccess, ResponseTimeMillis: &ms}, true},
		{"success without time", Sample{Date: now, Status: StatusSuccess}, false},
		{"failure with time", Sample{Date: now, Status: StatusTimedOut, ResponseTimeMillis: &ms}, false},
		{"unknown without time", Sample{Date: now, Status: StatusUnknown}, true},
		{"negative time", Sample{Date: now, Status: StatusSuccess, ResponseTimeMillis: &neg}, false},
		{"missing date", Sample{Status: StatusUnknown}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sample.Validate()
			if tt.valid && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.valid && !errors.Is(err, errors.ErrInvalidSample) {
				t.Errorf("expected ErrInvalidSample, got %v", err)
			}
		})
	}
}

func TestStatusString(t *testing.T) {
	for s, name := range statusNames {
		if s.String() != name {
			t.Errorf("%d.String() = %s, want %s", int16(s), s.String(), name)
		}
		parsed, err := ParseStatus(name)
		if err != nil || parsed != s {
			t.Errorf("ParseStatus(%s) = %v, %v", name, parsed, err)
		}
	}
	if got := Status(42).String(); got != "Status(42)" {
		t.Errorf("unexpected name %s", got)
	}
	if _, err := ParseStatus("nope"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestDigestCounts(t *testing.T) {
	d := Digest{SampleCount: 10, ErrorCount: 3, StartTime: mustParse(t, "2022-03-19T15:00:00Z")}
	if d.SuccessCount() != 7 {
		t.Errorf("SuccessCount = %d, want 7", d.SuccessCount())
	}
	if !d.EndTime(DefaultBucketWidth).Equal(mustParse(t, "2022-03-19T15:05:00Z")) {
		t.Errorf("EndTime = %s", d.EndTime(DefaultBucketWidth))
	}
}

func TestTargetEventKind(t *testing.T) {
	if TargetAdded.String() != "target_added" || TargetDeleted.String() != "target_deleted" {
		t.Error("unexpected event names")
	}
}
