package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/allocman/bootstrap"
)

func TestConfigCommand(t *testing.T) {
	defer resetFlags()

	t.Run("defaults round trip", func(t *testing.T) {
		resetFlags()
		output, err := captureOutput(t, runConfig)
		require.NoError(t, err)
		assertContains(t, output, []string{"pool_size = 1048576", "[reserves]", "cspace_slots = 30"})

		cfg, err := bootstrap.DecodeConfig(strings.NewReader(output))
		require.NoError(t, err)
		require.Equal(t, bootstrap.DefaultConfig().Reserves.CspaceSlots, cfg.Reserves.CspaceSlots)
	})

	t.Run("file overrides", func(t *testing.T) {
		resetFlags()
		configPath = writeConfig(t, "utspace = \"twinkle\"\n")
		output, err := captureOutput(t, runConfig)
		require.NoError(t, err)
		assertContains(t, output, []string{`utspace = "twinkle"`})
	})

	t.Run("json", func(t *testing.T) {
		resetFlags()
		jsonOut = true
		output, err := captureOutput(t, runConfig)
		require.NoError(t, err)
		assertJSON(t, output)
		assertContains(t, output, []string{`"PoolSize": 1048576`})
	})

	t.Run("unknown key", func(t *testing.T) {
		resetFlags()
		configPath = writeConfig(t, "nope = 1\n")
		_, err := captureOutput(t, runConfig)
		require.ErrorIs(t, err, bootstrap.ErrUnknownKey)
	})
}
