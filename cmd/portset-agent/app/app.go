package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/pmlproject9/portset/pkg/controllermanager"
)

var (
	cmdName = "portset-agent"
)

func NewPortSetAgent(ctx context.Context) *cobra.Command {
	opts, optsErr := NewOptions()
	if optsErr != nil {
		klog.Errorf("error to read options from environment: %v", optsErr)
		opts = &options{}
	}
	cmd := &cobra.Command{
		Use:  cmdName,
		Long: `Serves named bitmap:port sets and optionally mirrors them into kernel ipsets`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if optsErr != nil {
				return optsErr
			}
			cmd.Flags().VisitAll(func(flag *pflag.Flag) {
				klog.V(1).Infof("FLAG: --%s=%q", flag.Name, flag.Value)
			})
			if opts.KernelSync && opts.KernelSyncPeriod <= 0 {
				return fmt.Errorf("kernel-sync-period must be greater than 0, got %s", opts.KernelSyncPeriod)
			}

			cmCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			cm, err := controllermanager.NewControllerManager(cmCtx, opts.Agent)
			if err != nil {
				return err
			}
			return cm.Run(cmCtx)
		},
	}

	opts.AddFlags(cmd.Flags())
	return cmd
}
