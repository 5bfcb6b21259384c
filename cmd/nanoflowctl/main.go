// Command nanoflowctl manages flows and Jobs on a NanoFlow server.
package main

import (
	"fmt"
	"os"
)

// overridden by -ldflags -X
var version = "unknown"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
