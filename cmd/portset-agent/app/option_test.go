package app

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddFlags(t *testing.T) {
	t.Setenv("PORTSET_MARK", "0x10")

	opts, err := NewOptions()
	require.NoError(t, err)
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	opts.AddFlags(fs)

	require.NoError(t, fs.Parse([]string{
		"--kernel-sync",
		"--kernel-sync-period=1m",
		"--protocols=tcp",
		"--listen-address=127.0.0.1:0",
	}))
	assert.True(t, opts.KernelSync)
	assert.Equal(t, time.Minute, opts.KernelSyncPeriod)
	assert.Equal(t, []string{"tcp"}, opts.Protocols)
	assert.Equal(t, "127.0.0.1:0", opts.ListenAddress)
	assert.Equal(t, "0x10", opts.Mark)
}

func TestRejectsZeroSyncPeriod(t *testing.T) {
	cmd := NewPortSetAgent(context.Background())
	cmd.SetArgs([]string{"--kernel-sync", "--kernel-sync-period=0s", "--listen-address=127.0.0.1:0"})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kernel-sync-period")
}
