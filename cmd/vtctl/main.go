// Command vtctl is an offline utility for inspecting the stats and trace
// files a runtime writes. It never starts a rank or touches a transport.
package main

import (
	"fmt"
	"os"

	"github.com/ember-hpc/vt/cmd/vtctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "vtctl:", err)
		os.Exit(1)
	}
}
