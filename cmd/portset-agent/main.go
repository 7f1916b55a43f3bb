package main

import (
	goflag "flag"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/pmlproject9/portset/cmd/portset-agent/app"
	"github.com/pmlproject9/portset/pkg/utils"
)

func main() {
	klog.InitFlags(nil)
	pflag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	defer klog.Flush()

	ctx := utils.GraceStopWithContext()
	cmd := app.NewPortSetAgent(ctx)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
