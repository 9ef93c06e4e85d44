// Command credence propagates per-stage confidence through a pipeline graph.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/credence/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
