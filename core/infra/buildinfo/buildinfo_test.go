package buildinfo

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	t.Cleanup(func() {
		Version, Commit, Date = origVersion, origCommit, origDate
	})
	Version = "1.2.3"
	Commit = "abc123"
	Date = "2026-01-02"

	if info := Info(); info != "version=1.2.3 commit=abc123 date=2026-01-02" {
		t.Fatalf("unexpected info: %s", info)
	}
}

func TestLogIncludesStamp(t *testing.T) {
	origVersion := Version
	t.Cleanup(func() { Version = origVersion })
	Version = "9.9.9"

	var buf bytes.Buffer
	origOutput, origFlags := log.Writer(), log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(origOutput)
		log.SetFlags(origFlags)
	})

	Log("policyhub-api")
	got := buf.String()
	if !strings.Contains(got, "policyhub-api") || !strings.Contains(got, "9.9.9") || !strings.Contains(got, "starting") {
		t.Fatalf("unexpected log output: %s", got)
	}
}
