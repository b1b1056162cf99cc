// workmux drives a persistent worker process from the command line,
// multiplexing concurrent requests over its stdio.
package main

import (
	"os"

	"github.com/workmux/workmux/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
