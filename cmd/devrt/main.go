// devrt runs Python app modules locally: it builds each module's isolated
// environment, starts its workers, and rebuilds when the module changes.
package main

import (
	"fmt"
	"os"

	"github.com/lajosnagyuk/devrt/pkg/cli"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd := cli.NewRootCmd(cli.BuildInfo{
		Version: version,
		Commit:  commit,
		Date:    date,
	})

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
