// Package main is the entry point for the gaffer CLI.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gaffer: %v\n", err)
		os.Exit(1)
	}
}
