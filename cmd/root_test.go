//go:build !integration

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"mine", "profiles", "status", "serve", "worker", "schedule", "migrate", "config"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "icp-miner", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestMineCommand_Flags(t *testing.T) {
	for _, name := range []string{"profile", "site", "all-sites", "user", "page-size", "target", "max-pages"} {
		assert.NotNil(t, mineCmd.Flags().Lookup(name), "mine command should have --%s flag", name)
	}
	assert.Equal(t, "false", mineCmd.Flags().Lookup("all-sites").DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestProfilesCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range profilesCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"list", "add", "import"} {
		assert.True(t, names[name], "expected profiles subcommand %q not found", name)
	}
}

func TestProfilesListCommand_Flags(t *testing.T) {
	flag := profilesListCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "50", flag.DefValue)
	assert.NotNil(t, profilesListCmd.Flags().Lookup("site"))
	assert.NotNil(t, profilesListCmd.Flags().Lookup("status"))
}

func TestScheduleCommand_Flags(t *testing.T) {
	for _, name := range []string{"site", "all-sites", "interval", "max-invocations"} {
		assert.NotNil(t, scheduleCmd.Flags().Lookup(name), "schedule command should have --%s flag", name)
	}
}

func TestConfigCommand_HasShow(t *testing.T) {
	require.Len(t, configCmd.Commands(), 1)
	assert.Equal(t, "show", configCmd.Commands()[0].Name())
}

func TestRootCommand_LogLevelFlag(t *testing.T) {
	flag := rootCmd.PersistentFlags().Lookup("log-level")
	require.NotNil(t, flag)
	assert.Empty(t, flag.DefValue)
}
