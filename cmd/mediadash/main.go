package main

import (
	"os"

	"github.com/NikitaDmitryuk/mediadash/internal/logutils"
)

// Set via ldflags during build.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logutils.Log.WithError(err).Error("Command failed")
		os.Exit(1)
	}
}
