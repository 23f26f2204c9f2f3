package main

import (
	"fmt"
	"runtime"

	"github.com/diabetactic/diabetactic-go"
	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	UserAgent string `json:"user_agent"`
	Go        string `json:"go"`
	Platform  string `json:"platform"`
}

func newVersionInfo() versionInfo {
	return versionInfo{
		Version:   version,
		Commit:    commit,
		Date:      date,
		UserAgent: diabetactic.DefaultUserAgent + "/" + version,
		Go:        runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the client build",
	Long:  `Show the client build, the user agent sent to the gateway, and the Go runtime.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		info := newVersionInfo()
		if outputJSON {
			return outputAsJSON(cmd, info)
		}

		out := cmd.OutOrStdout()
		if isTTY() {
			fmt.Fprintln(out, renderBannerWithTagline())
			fmt.Fprintln(out)
		}
		fmt.Fprintf(out, "diabetactic %s (%s, %s)\n", info.Version, info.Commit, info.Date)
		printField(out, "agent", info.UserAgent)
		printField(out, "go", info.Go+" "+info.Platform)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
