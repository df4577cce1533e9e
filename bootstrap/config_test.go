package bootstrap

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
)

func TestDecodeConfig_OverridesDefaults(t *testing.T) {
	const doc = `
pool_size = 65536
level_two_bits = 6
utspace = "twinkle"

[reserves]
cspace_slots = 12
frames = 0

[[reserves.mspace]]
size = 136
count = 4

[virtual]
start = 0xA0000000
size = 1048576
`
	got, err := DecodeConfig(strings.NewReader(doc))
	require.NoError(t, err)

	want := DefaultConfig()
	want.PoolSize = 65536
	want.LevelTwoBits = 6
	want.Utspace = UtspaceTwinkle
	want.Reserves.CspaceSlots = 12
	want.Reserves.Frames = 0
	want.Reserves.Mspace = []MspaceClass{{Size: 136, Count: 4}}
	want.Virtual = VirtualConfig{Start: 0xA000_0000, Size: 1 << 20}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeConfig_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"unknown key", "pool_sise = 4096", ErrUnknownKey},
		{"unknown nested key", "[reserves]\ncspace = 3", ErrUnknownKey},
		{"zero pool", "pool_size = 0", ErrBadConfig},
		{"negative reserve", "[reserves]\nfreed_slots = -1", ErrBadConfig},
		{"level two too wide", "level_two_bits = 60", ErrBadConfig},
		{"unknown utspace", `utspace = "trickle"`, ErrBadConfig},
		{"empty mspace class", "[[reserves.mspace]]\nsize = 0\ncount = 1", ErrBadConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeConfig(strings.NewReader(tt.doc))
			require.ErrorIs(t, err, tt.want)
		})
	}

	_, err := DecodeConfig(strings.NewReader("pool_size = "))
	require.Error(t, err, "malformed TOML")
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)

	path := filepath.Join(t.TempDir(), "allocman.toml")
	require.NoError(t, os.WriteFile(path, []byte("refill_pass_limit = 9\n"), 0o644))
	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 9, cfg.RefillPassLimit)
	require.Equal(t, 30, cfg.Reserves.CspaceSlots)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfig_EncodeDecodes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, DefaultConfig().Encode(&buf))
	require.Contains(t, buf.String(), "cspace_slots = 30")

	got, err := DecodeConfig(&buf)
	require.NoError(t, err)
	if diff := cmp.Diff(DefaultConfig(), got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}
