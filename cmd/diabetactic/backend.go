package main

import (
	"context"
	"fmt"

	"github.com/diabetactic/diabetactic-go"
	"github.com/spf13/cobra"
)

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Show the resolved gateway backend",
	Long: `Resolve the backend from --mode, --platform and the environment and
print where requests would be sent. No request is made.`,
	Args: cobra.NoArgs,
	RunE: runBackend,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the gateway is up",
	Args:  cobra.NoArgs,
	RunE:  runHealth,
}

func init() {
	rootCmd.AddCommand(backendCmd)
	rootCmd.AddCommand(healthCmd)
}

type backendInfo struct {
	Mode     string `json:"mode"`
	BaseURL  string `json:"base_url,omitempty"`
	Platform string `json:"platform"`
	Timeout  string `json:"timeout"`
	Profile  string `json:"profile"`
	Database string `json:"database,omitempty"`
}

func runBackend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	b, err := diabetactic.ResolveBackend(cfg.Mode, cfg.Platform, diabetactic.ResolveOptions{
		LocalHost:      cfg.LocalHost,
		CloudURL:       cfg.CloudURL,
		RequestTimeout: cfg.RequestTimeout,
		TestHarness:    cfg.TestHarness,
	})
	if err != nil {
		return err
	}

	info := backendInfo{
		Mode:     string(b.Mode),
		BaseURL:  b.BaseURL,
		Platform: string(b.Platform),
		Timeout:  b.RequestTimeout.String(),
		Profile:  cfg.Profile,
		Database: cfg.LocalPath,
	}
	if outputJSON {
		return outputAsJSON(cmd, info)
	}

	out := cmd.OutOrStdout()
	printInfo(out, "Backend: %s", info.Mode)
	if b.IsMock() {
		printField(out, "URL", "(in-process mock)")
	} else {
		printField(out, "URL", info.BaseURL)
	}
	printField(out, "Platform", info.Platform)
	printField(out, "Timeout", info.Timeout)
	printField(out, "Profile", info.Profile)
	printField(out, "Database", orDash(info.Database))
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	return withClient(cmd, false, func(ctx context.Context, c *diabetactic.Client) error {
		h, err := c.HealthCheck(ctx)
		if err != nil {
			return err
		}
		if outputJSON {
			return outputAsJSON(cmd, h)
		}
		if !h.Ready() {
			return fmt.Errorf("gateway reports status %q", h.Status)
		}
		printSuccess(cmd.OutOrStdout(), "Gateway %s is up", c.Backend().Mode)
		return nil
	})
}
