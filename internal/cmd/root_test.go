package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetVersionInfo(t *testing.T) {
	origVersion := versionInfo.Version
	origCommit := versionInfo.Commit
	origDate := versionInfo.BuildDate
	defer SetVersionInfo(origVersion, origCommit, origDate)

	SetVersionInfo("1.2.3", "abc1234", "2026-01-15")
	assert.Equal(t, "1.2.3", versionInfo.Version)
	assert.Equal(t, "abc1234", versionInfo.Commit)
	assert.Equal(t, "2026-01-15", versionInfo.BuildDate)
}

func TestVersionCommand(t *testing.T) {
	origVersion := versionInfo.Version
	origCommit := versionInfo.Commit
	origDate := versionInfo.BuildDate
	defer SetVersionInfo(origVersion, origCommit, origDate)
	SetVersionInfo("9.9.9", "deadbeef", "2026-02-02")

	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)

	require.Contains(t, out.String(), "9.9.9")
	assert.Contains(t, out.String(), "deadbeef")
	assert.Contains(t, out.String(), "2026-02-02")
}

func TestRootCommandHasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{
		"serve", "migrate", "version",
		"deactivate-clusters", "update-clusters", "update-job-runs",
		"expire-jobs", "launch-jobs", "run-job",
		"send-expiration-mails", "send-expired-mails", "send-run-alert-mails",
		"launch-cluster", "extend-cluster",
	} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}
