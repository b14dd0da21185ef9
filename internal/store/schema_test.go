package store

import (
	"strings"
	"testing"
)

func TestMigrationColumnsAligned(t *testing.T) {
	for _, m := range migrations {
		if !strings.HasPrefix(m.sql, "CREATE TABLE") {
			continue
		}
		lines := strings.Split(m.sql, "\n")
		col := -1
		for _, line := range lines[1 : len(lines)-1] {
			def := strings.TrimLeft(line, "\t")
			name, _, _ := strings.Cut(def, " ")
			typ := strings.TrimLeft(def[len(name):], " ")
			at := len(def) - len(typ)
			if col < 0 {
				col = at
			}
			if at != col || at <= len(name) {
				t.Errorf("%s: column %q type starts at %d, want %d", m.name, name, at, col)
			}
		}
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t, false)
	if err := s.Migrate(t.Context()); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}
