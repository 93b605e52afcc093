package main

import (
	"fmt"
	"os"

	"github.com/ibbo/rowan/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rowan:", err)
		os.Exit(1)
	}
}
