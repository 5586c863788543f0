// Command fhirengine is the command line interface to the offline
// clinical record store, its sync engine and the library evaluator.
package main

import (
	"context"
	"os"

	"github.com/roach88/fhirengine/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
