package main

import (
	"os"
)

func main() {
	initHelp(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		// Credentials are scrubbed before printing.
		outputError(os.Stderr, err)
		os.Exit(1)
	}
}
