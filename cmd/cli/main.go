package main

import (
	"os"

	"github.com/gridops/abmonitor/cli"
)

func main() {
	if err := cli.Run(cli.CLI{}); err != nil {
		os.Exit(1)
	}
}
