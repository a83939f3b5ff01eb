// Command changefeed tracks content changes and serves incremental syncs.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/changefeed/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
