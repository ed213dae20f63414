// Command chunk-pipeline runs the replica chunk staging and promotion
// pipeline: the serve command hosts the event consumers and the promotion
// endpoint, stage runs one staging job, and promote runs one promotion
// pass.
package main

import (
	"fmt"
	"os"

	"github.com/eunmann/chunk-pipeline/internal/cli"
)

func main() {
	if err := cli.Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
