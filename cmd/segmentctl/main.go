// Command segmentctl is the operator tool for the tiered segment store:
// it generates key material and inspects or restores stored segments
// offline.
package main

import (
	"fmt"
	"os"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
