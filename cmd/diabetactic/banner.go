package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	bannerDropStyle    = lipgloss.NewStyle().Foreground(colorPrimary).Bold(true)
	bannerTitleStyle   = lipgloss.NewStyle().Foreground(colorText).Bold(true)
	bannerTaglineStyle = lipgloss.NewStyle().Foreground(colorPrimaryDark).Italic(true)
	bannerVersionStyle = lipgloss.NewStyle().Foreground(colorMuted)
)

func renderBanner() string {
	drop := bannerDropStyle.Render
	lines := []string{
		"      " + drop("▲"),
		"     " + drop("███") + "   " + bannerTitleStyle.Render("DIABETACTIC"),
		"      " + drop("▀"),
	}
	return strings.Join(lines, "\n")
}

func renderBannerWithTagline() string {
	tagline := bannerTaglineStyle.Render("   readings that survive the signal")
	ver := bannerVersionStyle.Render("   " + version)
	return strings.Join([]string{renderBanner(), tagline, ver}, "\n")
}
