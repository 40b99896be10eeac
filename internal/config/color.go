package config

import (
	"os"

	"github.com/mattn/go-isatty"
)

// computeColorEnabled implements spec.md §6: colors are disabled when
// NO_COLOR or STEROIDS_NO_COLOR is set (to any value), or stdout is not a
// terminal.
func computeColorEnabled(getenv func(string) string) bool {
	if getenv("NO_COLOR") != "" || getenv("STEROIDS_NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}
