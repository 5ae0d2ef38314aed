// Command loom runs the agent orchestration server and its management
// CLI.
package main

import (
	"fmt"
	"os"

	"loom/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
