package sync

import (
	"reflect"
	"testing"

	"github.com/KaiEkkrin/pinglingle/internal/storage/types"
)

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", PolicyCreateOnly, false},
		{"create-only", PolicyCreateOnly, false},
		{" Full-Sync ", PolicyFullSync, false},
		{"ignore", PolicyIgnore, false},
		{"source-aware", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParsePolicy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDiff(t *testing.T) {
	stored := []types.Target{
		{ID: 1, Address: "192.0.2.1"},
		{ID: 2, Address: "192.0.2.9"},
		{ID: 3, Address: "192.0.2.5"},
	}
	declared := []string{"192.0.2.3", " 192.0.2.1", "192.0.2.3", "", "192.0.2.2"}

	tests := []struct {
		name    string
		policy  Policy
		creates []string
		deletes []int64
	}{
		{"create only", PolicyCreateOnly, []string{"192.0.2.3", "192.0.2.2"}, nil},
		{"full sync", PolicyFullSync, []string{"192.0.2.3", "192.0.2.2"}, []int64{3, 2}},
		{"ignore", PolicyIgnore, nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Diff(declared, stored, tt.policy)

			if got := plan.Creates(); !reflect.DeepEqual(got, tt.creates) {
				t.Errorf("creates = %v, want %v", got, tt.creates)
			}

			var deletes []int64
			for _, d := range plan.Deletes() {
				deletes = append(deletes, d.ID)
			}
			if !reflect.DeepEqual(deletes, tt.deletes) {
				t.Errorf("deletes = %v, want %v", deletes, tt.deletes)
			}
		})
	}
}

func TestDiffNothingToDo(t *testing.T) {
	stored := []types.Target{{ID: 1, Address: "192.0.2.1"}}
	plan := Diff([]string{"192.0.2.1"}, stored, PolicyFullSync)
	if !plan.Empty() {
		t.Errorf("expected empty plan, got %+v", plan.Entries)
	}
	if len(plan.Entries) != 1 || plan.Entries[0].Target.ID != 1 {
		t.Errorf("expected one skip entry for the stored target")
	}
}
