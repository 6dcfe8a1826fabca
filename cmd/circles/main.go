// Command circles runs and administers a node of a circles federation.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/circles/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
