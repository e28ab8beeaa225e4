// Command paperbase starts one of the platform's services, selected by
// subcommand. See the cli package for the command tree.
package main

import (
	"os"

	"github.com/paperbase/paperbase/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
