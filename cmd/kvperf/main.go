// Package main is the entry point for kvperf.
package main

import (
	"os"

	"kvperf/internal/logger"
)

var (
	version = "dev"
)

func main() {
	err := rootCmd().Execute()
	logger.Default.Sync()
	if err != nil {
		os.Exit(1)
	}
}
