package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrintHelpers_Plain(t *testing.T) {
	testEnv(t)

	tests := []struct {
		name  string
		print func(*bytes.Buffer)
		want  string
	}{
		{"success", func(b *bytes.Buffer) { printSuccess(b, "synced %d", 2) }, "✓ synced 2\n"},
		{"error", func(b *bytes.Buffer) { printError(b, "failed") }, "✗ failed\n"},
		{"warning", func(b *bytes.Buffer) { printWarning(b, "queued") }, "⚠ queued\n"},
		{"info", func(b *bytes.Buffer) { printInfo(b, "mock") }, "● mock\n"},
		{"muted", func(b *bytes.Buffer) { printMuted(b, "hint") }, "hint\n"},
		{"field", func(b *bytes.Buffer) { printField(b, "Level", 112) }, "  Level: 112\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.print(&buf)
			if buf.String() != tt.want {
				t.Errorf("got %q, want %q", buf.String(), tt.want)
			}
		})
	}
}

func TestRenderTable_Plain(t *testing.T) {
	testEnv(t)

	out := renderTable([]string{"LOCAL ID", "STATE"}, [][]string{
		{"01J9", "synced"},
		{"01JA", "pendingCreate"},
	})

	lines := strings.Split(out, "\n")
	if len(lines) != 3 {
		t.Fatalf("want header and two rows, got %d lines:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[0], "LOCAL ID") || !strings.Contains(lines[0], "STATE") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[2], "pendingCreate") {
		t.Errorf("row = %q", lines[2])
	}
	for _, r := range "╭│─" {
		if strings.ContainsRune(out, r) {
			t.Errorf("plain table should not draw borders: %q", out)
		}
	}
}

func TestSyncStateStyle_PlainIsUnchanged(t *testing.T) {
	testEnv(t)

	for _, s := range []string{"synced", "conflict", "pendingDelete"} {
		if got := syncStateStyle(s); got != s {
			t.Errorf("syncStateStyle(%q) = %q", s, got)
		}
	}
}

func TestHasMarkdown(t *testing.T) {
	tests := []struct {
		content string
		want    bool
	}{
		{"Follow-up in three months.", false},
		{"## Plan\nAdjust basal dose", true},
		{"- reduce carbs\n- walk daily", true},
		{"**Urgent** review", true},
		{"see [guide](https://example.com)", true},
	}
	for _, tt := range tests {
		if got := hasMarkdown(tt.content); got != tt.want {
			t.Errorf("hasMarkdown(%q) = %v, want %v", tt.content, got, tt.want)
		}
	}
}

func TestRenderMarkdown_PlainPassThrough(t *testing.T) {
	testEnv(t)

	in := "## Plan\n- walk daily"
	if got := renderMarkdown(in); got != in {
		t.Errorf("renderMarkdown off a terminal = %q, want input unchanged", got)
	}
}

func TestHumanSize(t *testing.T) {
	tests := map[int64]string{
		0:           "0 B",
		1023:        "1023 B",
		1024:        "1.0 KiB",
		1536:        "1.5 KiB",
		5 << 20:     "5.0 MiB",
		3 << 30 / 2: "1.5 GiB",
	}
	for n, want := range tests {
		if got := humanSize(n); got != want {
			t.Errorf("humanSize(%d) = %q, want %q", n, got, want)
		}
	}
}
