package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"aggregate", "worker", "reconcile", "rollup", "leads", "runs", "serve", "migrate"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "listing-analytics", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestReconcileCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range reconcileCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["drift"])
	assert.True(t, names["rollups"])
}

func TestCommandFlags(t *testing.T) {
	checks := []struct {
		cmdName string
		flag    string
		defVal  string
	}{
		{"aggregate", "from", ""},
		{"aggregate", "to", ""},
		{"aggregate", "input", ""},
		{"worker", "temporal", "false"},
		{"worker", "metrics-port", "0"},
		{"worker", "drain-limit", "1000"},
		{"serve", "port", "0"},
	}
	for _, c := range checks {
		t.Run(c.cmdName+"/"+c.flag, func(t *testing.T) {
			cmd, _, err := rootCmd.Find([]string{c.cmdName})
			require.NoError(t, err)
			f := cmd.Flags().Lookup(c.flag)
			require.NotNil(t, f, "%s should have --%s", c.cmdName, c.flag)
			assert.Equal(t, c.defVal, f.DefValue)
		})
	}
}

func TestSubcommandFlags(t *testing.T) {
	f := reconcileDriftCmd.Flags().Lookup("format")
	require.NotNil(t, f)
	assert.Equal(t, "text", f.DefValue)
	assert.NotNil(t, reconcileDriftCmd.Flags().Lookup("xlsx"))
	assert.NotNil(t, reconcileRollupsCmd.Flags().Lookup("entity"))
	assert.Equal(t, "1000", rollupDrainCmd.Flags().Lookup("limit").DefValue)
	assert.Equal(t, "500", leadsRescoreCmd.Flags().Lookup("batch-size").DefValue)
	assert.Equal(t, "50", runsListCmd.Flags().Lookup("limit").DefValue)
}
