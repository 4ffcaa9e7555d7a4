package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-i2p/go-onion/lib/common/binding"
	"github.com/go-i2p/go-onion/lib/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlags(t *testing.T) {
	cmd := newRootCommand()
	require.NoError(t, cmd.ParseFlags([]string{
		"-c", "onion.ini",
		"--mock-peer", "127.0.0.1:4210",
		"--mock-peer", "[::1]:4220",
		"--mock-auth",
		"--marco", "127.0.0.1:4230",
		"--polo",
		"--host", "10.0.0.1",
		"--port", "4300",
	}))

	peers, err := cmd.Flags().GetStringArray("mock-peer")
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:4210", "[::1]:4220"}, peers)
	cfgFile, err := cmd.Flags().GetString("config")
	require.NoError(t, err)
	assert.Equal(t, "onion.ini", cfgFile)
}

func TestRouterOptions(t *testing.T) {
	opts := options{
		mockPeers: []string{"127.0.0.1:4210", "[::1]:4220"},
		mockAuth:  true,
		marco:     "127.0.0.1:4230",
		polo:      true,
	}
	ro, err := opts.routerOptions()
	require.NoError(t, err)
	assert.Equal(t, []binding.Binding{
		binding.MustParse("127.0.0.1:4210"),
		binding.MustParse("[::1]:4220"),
	}, ro.MockPeers)
	assert.Equal(t, binding.MustParse("127.0.0.1:4230"), ro.Marco)
	assert.True(t, ro.MockAuth)
	assert.True(t, ro.Polo)

	for _, bad := range []string{"127.0.0.1", "localhost:80", "nonsense"} {
		_, err := options{mockPeers: []string{bad}}.routerOptions()
		assert.Error(t, err, bad)
		_, err = options{marco: bad}.routerOptions()
		assert.Error(t, err, bad)
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := config.Defaults()
	require.NoError(t, options{}.applyOverrides(&cfg))
	assert.Equal(t, config.Defaults().Onion.ListenAddress, cfg.Onion.ListenAddress)

	require.NoError(t, options{host: "10.1.2.3"}.applyOverrides(&cfg))
	assert.Equal(t, "10.1.2.3:4200", cfg.Onion.ListenAddress)

	require.NoError(t, options{port: 4321}.applyOverrides(&cfg))
	assert.Equal(t, "10.1.2.3:4321", cfg.Onion.ListenAddress)

	assert.Error(t, options{host: "not-an-ip"}.applyOverrides(&cfg))
	assert.Error(t, options{port: 70000}.applyOverrides(&cfg))
}

func TestRunDumpConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "onion.ini")
	require.NoError(t, os.WriteFile(path, []byte("[onion]\nhops = 3\n"), 0o600))

	cmd := newRootCommand()
	cmd.SetArgs([]string{"-c", path, "--dump-config", "--port", "4999"})
	assert.NoError(t, cmd.Execute())
}

func TestConfigRequired(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{})
	cmd.SetErr(new(nopWriter))
	assert.Error(t, cmd.Execute())
}

type nopWriter struct{}

func (*nopWriter) Write(p []byte) (int, error) { return len(p), nil }
