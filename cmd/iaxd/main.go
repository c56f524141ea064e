// Command iaxd runs a standalone IAX2 endpoint: it registers, qualifies
// peers, accepts calls into a static dialplan and echoes their media.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
