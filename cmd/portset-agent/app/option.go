package app

import (
	"github.com/spf13/pflag"

	"github.com/pmlproject9/portset/pkg/config"
)

type options struct {
	config.Agent
}

func (opts *options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&opts.ListenAddress, "listen-address", opts.ListenAddress, "The address the control and metrics server listens on.")
	fs.StringVar(&opts.ConfigFile, "config", opts.ConfigFile, "Path to a YAML file of sets to create at start.")
	fs.IntVar(&opts.MaxMemSize, "max-memsize", opts.MaxMemSize, "Upper bound in bytes of the member store of one set, 0 for none.")
	fs.IntVar(&opts.ListPageSize, "list-page-size", opts.ListPageSize, "Members returned per listing page.")
	fs.BoolVar(&opts.KernelSync, "kernel-sync", opts.KernelSync, "Mirror the sets into kernel ipsets and mark matching packets.")
	fs.DurationVar(&opts.KernelSyncPeriod, "kernel-sync-period", opts.KernelSyncPeriod, "The delay between kernel set synchronizations (e.g. '5s', '1m'). Must be greater than 0.")
	fs.StringVar(&opts.Mark, "mark", opts.Mark, "The fwmark set on packets whose destination port is in a set.")
	fs.StringSliceVar(&opts.Protocols, "protocols", opts.Protocols, "The protocols matched by the mark rules.")
}

// NewOptions returns the options with defaults read from PORTSET_* variables.
func NewOptions() (*options, error) {
	cfg, err := config.FromEnvironment()
	if err != nil {
		return nil, err
	}
	return &options{Agent: cfg}, nil
}
