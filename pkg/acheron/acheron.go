// Package acheron assembles the pipeline into one process whose modules are
// picked with -target.
package acheron

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/ValerySidorin/acheron/pkg/api"
	"github.com/ValerySidorin/acheron/pkg/blobstore"
	"github.com/ValerySidorin/acheron/pkg/dispatcher"
	"github.com/ValerySidorin/acheron/pkg/enrich"
	"github.com/ValerySidorin/acheron/pkg/index"
	"github.com/ValerySidorin/acheron/pkg/pipeline"
	"github.com/ValerySidorin/acheron/pkg/queue"
	"github.com/ValerySidorin/acheron/pkg/tracker"
	util_log "github.com/ValerySidorin/acheron/pkg/util/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
)

type Acheron struct {
	Cfg Config

	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	// set during initialization
	ServiceMap    map[string]services.Service
	ModuleManager *modules.Manager

	Tracker    tracker.Tracker
	Queue      queue.Client
	Blobs      blobstore.Store
	Index      index.Store
	Capability enrich.Capability
	Dispatcher *dispatcher.Dispatcher
	Pipeline   *pipeline.Pipeline
	API        *api.API
}

func New(cfg Config) (*Acheron, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	a := &Acheron{
		Cfg:        cfg,
		Registerer: prometheus.DefaultRegisterer,
		Gatherer:   prometheus.DefaultGatherer,
	}

	if err := a.setupModuleManager(); err != nil {
		return nil, err
	}
	return a, nil
}

// Run starts the modules of the configured targets and blocks until they
// stop, either on SIGINT/SIGTERM or after one of them failed.
func (a *Acheron) Run() error {
	var err error
	a.ServiceMap, err = a.ModuleManager.InitModuleServices(a.Cfg.Target...)
	if err != nil {
		return err
	}

	sm, err := services.NewManager(lo.Values(a.ServiceMap)...)
	if err != nil {
		return errors.Wrap(err, "create service manager")
	}

	healthy := func() {
		_ = level.Info(util_log.Logger).Log("msg", "acheron started", "targets", a.Cfg.Target.String())
	}
	stopped := func() { _ = level.Info(util_log.Logger).Log("msg", "acheron stopped") }
	serviceFailed := func(s services.Service) {
		sm.StopAsync()

		for m, svc := range a.ServiceMap {
			if svc == s {
				_ = level.Error(util_log.Logger).Log("msg", "module failed", "module", m, "err", s.FailureCase())
				return
			}
		}
		_ = level.Error(util_log.Logger).Log("msg", "module failed", "module", "unknown", "err", s.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sm.StartAsync(context.Background()); err != nil {
		return errors.Wrap(err, "start modules")
	}

	go func() {
		<-ctx.Done()
		_ = level.Info(util_log.Logger).Log("msg", "shutting down")
		sm.StopAsync()
	}()

	if err := sm.AwaitStopped(context.Background()); err != nil {
		return err
	}

	if failed := sm.ServicesByState()[services.Failed]; len(failed) > 0 {
		return failed[0].FailureCase()
	}
	return nil
}
