package main

import (
	"fmt"
	"os"

	"github.com/timmy/chronos/cmd/chronosctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
