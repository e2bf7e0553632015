package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	assert.Equal(t, "wardend", rootCmd.Use)

	names := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{
		"serve", "health", "issues", "suggest",
		"attempt", "outcome", "resolve", "query", "escalation",
	} {
		assert.True(t, names[want], "missing subcommand %q", want)
	}
}

func TestServerFlag(t *testing.T) {
	flag := rootCmd.PersistentFlags().Lookup("server")
	require.NotNil(t, flag)
	assert.Equal(t, "http://localhost:9191", flag.DefValue)
}

func TestServeConfigFlag(t *testing.T) {
	require.NotNil(t, serveCmd.Flags().Lookup("config"))
}
