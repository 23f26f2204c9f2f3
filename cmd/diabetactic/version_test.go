package main

import (
	"strings"
	"testing"
)

func TestVersion_Human_ShowsVersionInfo(t *testing.T) {
	testEnv(t)

	out := mustExecute(t, "version")

	for _, want := range []string{"diabetactic dev (none, unknown)", "agent: diabetactic-go/dev", "go: go"} {
		if !strings.Contains(out, want) {
			t.Errorf("output should contain %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "DIABETACTIC") {
		t.Error("banner should only be shown on a terminal")
	}
}

func TestVersion_JSON(t *testing.T) {
	testEnv(t)

	var info versionInfo
	decodeJSON(t, mustExecute(t, "version", "--json"), &info)

	if info.Version != version {
		t.Errorf("version = %q, want %q", info.Version, version)
	}
	if info.UserAgent != "diabetactic-go/"+version {
		t.Errorf("user_agent = %q, want %q", info.UserAgent, "diabetactic-go/"+version)
	}
	if info.Go == "" || info.Platform == "" {
		t.Errorf("runtime fields should be set: %+v", info)
	}
}

func TestVersion_RejectsArgs(t *testing.T) {
	testEnv(t)

	if _, err := execute(t, "version", "extra"); err == nil {
		t.Fatal("expected error for unexpected argument")
	}
}
