// Command tymbal-runtime runs one runtime process: it connects to a
// hub's control channel, activates and drives the engines bound to its
// callsigns, and streams their output back as frames.
package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if err := newRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
