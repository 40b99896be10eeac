// Command steroids is the CLI entrypoint: runner loop, wakeup reconciler,
// read-only API, and operator admin actions all live behind its subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/steroidsdev/steroids/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
