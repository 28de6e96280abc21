// Command dcop distributes, replicates and runs distributed constraint
// optimization problems.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/dcop/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
