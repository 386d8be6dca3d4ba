// Command kustocopy replicates tables between clusters.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/kustocopy/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
