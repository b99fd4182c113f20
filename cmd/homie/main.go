// Package main is the entry point for the homie server.
package main

import (
	"os"

	"github.com/homiehq/homie/cmd/homie/app"
	"github.com/homiehq/homie/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
