// pushauthctl enrolls this device as a push factor and answers challenges
// from the command line.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pushauthctl:", err)
		os.Exit(1)
	}
}
