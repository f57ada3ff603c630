// Command shmemvv runs the OpenSHMEM conformance suite.
package main

import (
	"os"

	"github.com/michael-beebe/shmemvv/internal/cli"
)

func main() {
	os.Exit(cli.Main(os.Args[1:], os.Stdout, os.Stderr))
}
