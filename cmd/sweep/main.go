// Command sweep bulk-mutates conversations in a ticketing API team inbox.
package main

import (
	"fmt"
	"os"

	"github.com/inboxops/sweep/internal/cli"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := cli.NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
