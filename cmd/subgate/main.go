// Command subgate serves the billing webhook and feature access API and runs
// manual subscription reconciliation.
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
