package main

import (
	"bytes"
	"testing"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"

	"github.com/SirClappington/askbot/internal/domain"
)

func TestPrintMetrics(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)

	printMetrics(cmd, "bot-requests", domain.Metrics{Waiting: 4, Active: 2, Delayed: 1, Completed: 90, Failed: 3})

	out := buf.String()
	assert.Contains(t, out, "queue bot-requests")
	assert.Regexp(t, `waiting\s+4`, out)
	assert.Regexp(t, `completed\s+90`, out)
	assert.Regexp(t, `failed\s+3`, out)
}

func TestRootCommands(t *testing.T) {
	root := rootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"metrics", "get", "sweep"})
}

func TestPrintCandidates(t *testing.T) {
	color.NoColor = true

	t.Run("lists each key", func(t *testing.T) {
		var buf bytes.Buffer
		cmd := &cobra.Command{}
		cmd.SetOut(&buf)

		printCandidates(cmd, []string{"telegram-1", "telegram-2"}, []string{"twitter-9"})

		out := buf.String()
		assert.Regexp(t, `completed\s+telegram-1`, out)
		assert.Regexp(t, `completed\s+telegram-2`, out)
		assert.Regexp(t, `failed\s+twitter-9`, out)
		assert.Contains(t, out, "would remove 3")
	})

	t.Run("nothing to remove", func(t *testing.T) {
		var buf bytes.Buffer
		cmd := &cobra.Command{}
		cmd.SetOut(&buf)

		printCandidates(cmd, nil, nil)
		assert.Equal(t, "nothing to remove\n", buf.String())
	})
}

func TestSweepDryRunFlag(t *testing.T) {
	cmd := sweepCmd()
	f := cmd.Flags().Lookup("dry-run")
	if assert.NotNil(t, f) {
		assert.Equal(t, "false", f.DefValue)
		assert.Contains(t, f.Usage, "retention would remove")
	}
}
