package controllermanager

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
	utilexec "k8s.io/utils/exec"

	"github.com/pmlproject9/portset/pkg/config"
	"github.com/pmlproject9/portset/pkg/controller/kernelsync"
	"github.com/pmlproject9/portset/pkg/ipset"
	"github.com/pmlproject9/portset/pkg/iptables"
	"github.com/pmlproject9/portset/pkg/portset"
	"github.com/pmlproject9/portset/pkg/registry"
	"github.com/pmlproject9/portset/pkg/server"
)

var shutdownTimeout = 5 * time.Second

type ControllerManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	registry *registry.Registry
	metrics  *prometheus.Registry

	listener   net.Listener
	httpServer *http.Server

	kernelSyncController *kernelsync.Controller
}

// NewControllerManager builds the registry, preloads the configured sets and
// binds the control listener. Kernel sync is only set up when enabled.
func NewControllerManager(ctx context.Context, cfg config.Agent) (*ControllerManager, error) {
	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := portset.RegisterMetrics(metrics); err != nil {
		return nil, errors.Wrap(err, "error to register metrics")
	}

	reg := registry.New(portset.Options{MaxMemSize: cfg.MaxMemSize})
	ctx, cancel := context.WithCancel(ctx)
	if cfg.ConfigFile != "" {
		f, err := config.Load(cfg.ConfigFile)
		if err != nil {
			cancel()
			return nil, err
		}
		if err := f.Apply(reg); err != nil {
			cancel()
			_ = reg.DestroyAll()
			return nil, errors.Wrapf(err, "error to load sets from %s", cfg.ConfigFile)
		}
	}

	cm := &ControllerManager{
		ctx:      ctx,
		cancel:   cancel,
		registry: reg,
		metrics:  metrics,
	}

	if cfg.KernelSync {
		iptablesRunner, err := iptables.New()
		if err != nil {
			cancel()
			_ = reg.DestroyAll()
			return nil, errors.Wrap(err, "error to init iptables")
		}
		cm.kernelSyncController = kernelsync.NewController(ctx, kernelsync.Config{
			SyncPeriod: cfg.KernelSyncPeriod,
			Mark:       cfg.Mark,
			Protocols:  cfg.Protocols,
			PageSize:   cfg.ListPageSize,
		}, reg, ipset.NewExecutor(utilexec.New()), iptablesRunner)
	}

	router := mux.NewRouter()
	server.New(reg, cfg.ListPageSize).Register(router)
	router.Handle("/metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{}))

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		cancel()
		_ = reg.DestroyAll()
		return nil, errors.Wrapf(err, "error to listen on %s", cfg.ListenAddress)
	}
	cm.listener = listener
	cm.httpServer = &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}
	return cm, nil
}

// Addr is the address the control server listens on.
func (cm *ControllerManager) Addr() net.Addr {
	return cm.listener.Addr()
}

// Registry returns the sets served by cm.
func (cm *ControllerManager) Registry() *registry.Registry {
	return cm.registry
}

// Run serves until ctx or the context cm was built with is done, then stops
// the controllers and destroys every set.
func (cm *ControllerManager) Run(ctx context.Context) error {
	klog.Info("starting controller manager running....")

	var wg sync.WaitGroup
	if cm.kernelSyncController != nil {
		wg.Add(1)
		go cm.kernelSyncController.Run(&wg)
	}

	serveErr := make(chan error, 1)
	go func() {
		klog.Infof("serving sets on %s", cm.listener.Addr())
		serveErr <- cm.httpServer.Serve(cm.listener)
	}()

	var err error
	select {
	case <-ctx.Done():
	case <-cm.ctx.Done():
	case err = <-serveErr:
		klog.Errorf("server stopped: %v", err)
	}
	if err == nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err = cm.httpServer.Shutdown(shutdownCtx); err != nil {
			klog.Errorf("error to shut down server: %v", err)
		}
	}

	cm.cancel()
	wg.Wait()
	if derr := cm.registry.DestroyAll(); derr != nil {
		klog.Errorf("error to destroy sets: %v", derr)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
