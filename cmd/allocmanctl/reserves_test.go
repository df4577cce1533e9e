package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/allocman/allocman"
)

func TestReserves(t *testing.T) {
	resetFlags()
	report, err := reserves(bootOptions{untypedBits: 24})
	require.NoError(t, err)
	require.True(t, report.Full)
	require.Equal(t, 30, report.Levels.CspaceSlots.Current)
	require.Equal(t, 30, report.Levels.CspaceSlots.Desired)
	require.Empty(t, report.Levels.Utspace)
}

func TestReserves_TwoLevelSpareCNode(t *testing.T) {
	resetFlags()
	report, err := reserves(bootOptions{twoLevel: true, untypedBits: 24})
	require.NoError(t, err)
	require.True(t, report.Full)
	require.Len(t, report.Levels.Utspace, 1)
	require.False(t, report.Levels.Utspace[0].Short())
}

func TestReservesCommand(t *testing.T) {
	defer resetFlags()

	t.Run("text", func(t *testing.T) {
		resetFlags()
		reservesUntypedBits, reservesTwoLevel = 24, false
		output, err := captureOutput(t, runReserves)
		require.NoError(t, err)
		assertContains(t, output, []string{"cspace slots", "30 / 30", "Deferred-free queues:", "All reserves full"})
		assertContains(t, output, []string{"0 of 10", "0 of 20"})
		assertNotContains(t, output, []string{"(short)", "Reserves short", "further frees leak"})
	})

	t.Run("virtual pool classes", func(t *testing.T) {
		resetFlags()
		configPath = writeConfig(t, "[virtual]\nstart = 0x40000000\nsize = 1048576\n")
		reservesUntypedBits, reservesTwoLevel = 24, false
		output, err := captureOutput(t, runReserves)
		require.NoError(t, err)
		assertContains(t, output, []string{"utspace 12 bits"})
	})

	t.Run("json", func(t *testing.T) {
		resetFlags()
		jsonOut = true
		reservesUntypedBits, reservesTwoLevel = 24, false
		output, err := captureOutput(t, runReserves)
		require.NoError(t, err)
		assertJSON(t, output)

		var report reservesReport
		require.NoError(t, json.Unmarshal([]byte(output), &report))
		require.True(t, report.Full)
	})

	t.Run("missing config", func(t *testing.T) {
		resetFlags()
		configPath = "does-not-exist.toml"
		_, err := captureOutput(t, runReserves)
		require.Error(t, err)
	})
}

func TestPrintQueue(t *testing.T) {
	tests := []struct {
		name     string
		level    allocman.Level
		want     string
		unwanted []string
	}{
		{"empty", allocman.Level{Current: 0, Desired: 10}, "0 of 10", []string{"(short)", "(full"}},
		{"backlog", allocman.Level{Current: 3, Desired: 10}, "3 of 10", []string{"(full"}},
		{"full", allocman.Level{Current: 10, Desired: 10}, "(full, further frees leak)", nil},
		{"disabled", allocman.Level{}, "0 of 0", []string{"(full"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetFlags()
			output, err := captureOutput(t, func() error {
				printQueue("slots", tt.level)
				return nil
			})
			require.NoError(t, err)
			assertContains(t, output, []string{tt.want})
			assertNotContains(t, output, tt.unwanted)
		})
	}
}
