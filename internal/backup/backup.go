// Package backup parses and formats the snapshot filenames cleanup and
// restore tooling recognize under <project>/.steroids/backup/ (spec.md
// §6): timestamped directories (`YYYY-MM-DDTHH-mm-ss/` and the coarser
// `YYYY-MM-DD/`) and pre-migration database snapshots
// (`pre-migrate-YYYY-MM-DDTHH-mm-ss-SSSZ.db`).
package backup

import (
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes the three recognized filename shapes.
type Kind int

const (
	KindUnknown Kind = iota
	KindTimestampDir
	KindDateDir
	KindPreMigrateFile
)

const (
	timestampDirLayout  = "2006-01-02T15-04-05"
	dateDirLayout       = "2006-01-02"
	preMigrateLayout    = "2006-01-02T15-04-05.000Z"
	preMigratePrefix    = "pre-migrate-"
	preMigrateSuffix    = ".db"
)

// Name is a parsed backup filename: its recognized Kind, the instant it
// encodes, and the name it round-trips to via Format.
type Name struct {
	Kind Kind
	When time.Time
}

// Parse recognizes one of the three backup filename formats. It returns
// Kind == KindUnknown (and a non-nil error) for anything else; cleanup
// sweeps skip unrecognized entries rather than deleting them.
func Parse(name string) (Name, error) {
	if strings.HasPrefix(name, preMigratePrefix) && strings.HasSuffix(name, preMigrateSuffix) {
		inner := strings.TrimSuffix(strings.TrimPrefix(name, preMigratePrefix), preMigrateSuffix)
		t, err := time.Parse(preMigrateLayout, toMigrateParseable(inner))
		if err != nil {
			return Name{}, fmt.Errorf("parse pre-migrate backup name %q: %w", name, err)
		}
		return Name{Kind: KindPreMigrateFile, When: t}, nil
	}

	if t, err := time.Parse(timestampDirLayout, name); err == nil {
		return Name{Kind: KindTimestampDir, When: t}, nil
	}

	if t, err := time.Parse(dateDirLayout, name); err == nil {
		return Name{Kind: KindDateDir, When: t}, nil
	}

	return Name{}, fmt.Errorf("unrecognized backup name %q", name)
}

// toMigrateParseable reverses the "SSSZ" suffix used on the wire
// (milliseconds then a literal Z, e.g. "2026-07-30T12-00-00-123Z") into
// the dotted form time.Parse's reference layout expects
// ("2026-07-30T12-00-00.123Z").
func toMigrateParseable(s string) string {
	idx := strings.LastIndex(s, "-")
	if idx == -1 {
		return s
	}
	return s[:idx] + "." + s[idx+1:]
}

// Format is the inverse of Parse: it renders t back into the exact
// filename a backup of the given kind would carry (SPEC_FULL.md testable
// property 6: Parse(Format(k, t)) == Name{k, t} for every recognized
// kind).
func Format(kind Kind, t time.Time) string {
	switch kind {
	case KindTimestampDir:
		return t.UTC().Format(timestampDirLayout)
	case KindDateDir:
		return t.UTC().Format(dateDirLayout)
	case KindPreMigrateFile:
		rendered := t.UTC().Format(preMigrateLayout)
		return preMigratePrefix + fromMigrateParseable(rendered) + preMigrateSuffix
	default:
		panic("backup: cannot format an unknown kind")
	}
}

func fromMigrateParseable(s string) string {
	idx := strings.LastIndex(s, ".")
	if idx == -1 {
		return s
	}
	return s[:idx] + "-" + s[idx+1:]
}
