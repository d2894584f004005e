package main

import (
	"os"

	"github.com/marmos91/sirocco/cmd/siroctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
