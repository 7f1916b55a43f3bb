package utils

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"
)

var stopCh = make(chan os.Signal, 2)

// GraceStopWithContext returns a context cancelled on the first SIGTERM or
// SIGINT. A second signal exits the process.
func GraceStopWithContext() context.Context {
	signal.Notify(stopCh, syscall.SIGTERM, syscall.SIGINT)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		oscall := <-stopCh
		klog.Warningf("shutting down, caused by %s", oscall)
		cancel()
		<-stopCh
		klog.Warning("second signal received, exiting")
		os.Exit(1)
	}()
	return ctx
}
