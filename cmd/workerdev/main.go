// Command workerdev serves a fetch-handler module behind a static file server
// for local development.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "workerdev: %s\n", err)
		os.Exit(1)
	}
}
