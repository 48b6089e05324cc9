package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["replay"])
	assert.True(t, names["archive"])
}

func TestArchiveRequiresCutoff(t *testing.T) {
	archiveOlderThan = 0
	archiveCutoff = ""

	err := runArchive(archiveCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--older-than or --cutoff")
}

func TestArchiveRejectsBadCutoff(t *testing.T) {
	archiveOlderThan = 0
	archiveCutoff = "yesterday"
	defer func() { archiveCutoff = "" }()

	err := runArchive(archiveCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing --cutoff")
}
