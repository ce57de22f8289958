// Package main is the entry point for the protomask translation
// daemon.
package main

import (
	"fmt"
	"os"

	"github.com/ewpratten/protomask/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
