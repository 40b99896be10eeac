package backup

import (
	"testing"
	"time"
)

func TestParseTimestampDir(t *testing.T) {
	n, err := Parse("2026-07-30T12-00-00")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if n.Kind != KindTimestampDir {
		t.Fatalf("expected KindTimestampDir, got %v", n.Kind)
	}
	want := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	if !n.When.Equal(want) {
		t.Fatalf("expected %v, got %v", want, n.When)
	}
}

func TestParseDateDir(t *testing.T) {
	n, err := Parse("2026-07-30")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if n.Kind != KindDateDir {
		t.Fatalf("expected KindDateDir, got %v", n.Kind)
	}
}

func TestParsePreMigrateFile(t *testing.T) {
	n, err := Parse("pre-migrate-2026-07-30T12-00-00-123Z.db")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if n.Kind != KindPreMigrateFile {
		t.Fatalf("expected KindPreMigrateFile, got %v", n.Kind)
	}
	want := time.Date(2026, 7, 30, 12, 0, 0, 123_000_000, time.UTC)
	if !n.When.Equal(want) {
		t.Fatalf("expected %v, got %v", want, n.When)
	}
}

func TestParseRejectsUnrecognizedNames(t *testing.T) {
	for _, bad := range []string{"not-a-backup", "2026-13-50", "pre-migrate-garbage.db", ""} {
		if _, err := Parse(bad); err == nil {
			t.Fatalf("expected Parse(%q) to fail", bad)
		}
	}
}

func TestFormatIsInverseOfParseForEveryRecognizedKind(t *testing.T) {
	cases := []struct {
		kind Kind
		when time.Time
	}{
		{KindTimestampDir, time.Date(2026, 7, 30, 9, 5, 3, 0, time.UTC)},
		{KindDateDir, time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)},
		{KindPreMigrateFile, time.Date(2026, 7, 30, 9, 5, 3, 7_000_000, time.UTC)},
	}
	for _, c := range cases {
		name := Format(c.kind, c.when)
		parsed, err := Parse(name)
		if err != nil {
			t.Fatalf("Parse(Format(%v, %v)) failed: %v", c.kind, c.when, err)
		}
		if parsed.Kind != c.kind {
			t.Fatalf("expected kind %v to round-trip, got %v", c.kind, parsed.Kind)
		}
		if !parsed.When.Equal(c.when) {
			t.Fatalf("expected %v to round-trip, got %v", c.when, parsed.When)
		}
	}
}

func TestFormatPanicsOnUnknownKind(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected Format to panic on an unknown kind")
		}
	}()
	Format(KindUnknown, time.Now())
}
