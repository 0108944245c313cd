package acheron

import (
	"context"

	"github.com/ValerySidorin/acheron/pkg/api"
	"github.com/ValerySidorin/acheron/pkg/blobstore"
	"github.com/ValerySidorin/acheron/pkg/dispatcher"
	"github.com/ValerySidorin/acheron/pkg/enrich"
	"github.com/ValerySidorin/acheron/pkg/fetcher"
	"github.com/ValerySidorin/acheron/pkg/index"
	"github.com/ValerySidorin/acheron/pkg/pipeline"
	"github.com/ValerySidorin/acheron/pkg/queue"
	"github.com/ValerySidorin/acheron/pkg/tracker"
	util_log "github.com/ValerySidorin/acheron/pkg/util/log"
	"github.com/ValerySidorin/acheron/pkg/worker"
	"github.com/ValerySidorin/acheron/pkg/workitem"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
)

const (
	Tracker    = "tracker"
	Queue      = "queue"
	Storage    = "storage"
	Enrichment = "enrichment"
	Pipeline   = "pipeline"
	Chunker    = "chunker"
	Enricher   = "enricher"
	Persister  = "persister"
	Sweeper    = "sweeper"
	API        = "api"
	All        = "all"
)

// targets are the modules that can be named with -target.
var targets = []string{Chunker, Enricher, Persister, Sweeper, API, All}

func (a *Acheron) initTracker() (services.Service, error) {
	t, err := tracker.New(context.Background(), a.Cfg.Tracker, util_log.Module(Tracker))
	if err != nil {
		return nil, errors.Wrap(err, "init tracker")
	}
	a.Tracker = t

	return services.NewIdleService(nil, func(_ error) error {
		return a.Tracker.Close()
	}), nil
}

func (a *Acheron) initQueue() (services.Service, error) {
	q, err := queue.New(a.Cfg.Queue, util_log.Module(Queue))
	if err != nil {
		return nil, errors.Wrap(err, "init queue")
	}
	a.Queue = q

	return services.NewIdleService(nil, func(_ error) error {
		return a.Queue.Close()
	}), nil
}

func (a *Acheron) initStorage() (services.Service, error) {
	var err error
	if a.Blobs, err = blobstore.New(a.Cfg.BlobStore); err != nil {
		return nil, errors.Wrap(err, "init blob store")
	}
	if a.Index, err = index.New(a.Cfg.Index); err != nil {
		return nil, errors.Wrap(err, "init index")
	}
	return nil, nil
}

func (a *Acheron) initEnrichment() (services.Service, error) {
	var err error
	if a.Capability, err = enrich.New(a.Cfg.Enrichment, util_log.Module(Enrichment)); err != nil {
		return nil, errors.Wrap(err, "init enrichment")
	}
	return nil, nil
}

func (a *Acheron) initPipeline() (services.Service, error) {
	logger := util_log.Module(Pipeline)

	a.Dispatcher = dispatcher.New(a.Queue, a.Tracker, pipeline.Policies(a.Cfg.Pipeline), a.Registerer, logger)
	a.Pipeline = pipeline.New(a.Cfg.Pipeline, pipeline.Deps{
		Tracker:    a.Tracker,
		Dispatcher: a.Dispatcher,
		Blobs:      a.Blobs,
		Index:      a.Index,
		Capability: a.Capability,
		Fetcher:    fetcher.New(a.Cfg.Fetcher, logger),
	}, a.Registerer, logger)
	return nil, nil
}

func (a *Acheron) initWorker(stage workitem.Stage, cfg worker.Config) (services.Service, error) {
	w, err := worker.New(cfg, stage, a.Queue, a.Pipeline, a.Registerer, util_log.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "init %s worker", stage)
	}
	return w, nil
}

func (a *Acheron) initChunker() (services.Service, error) {
	return a.initWorker(workitem.Received, a.Cfg.Pipeline.Chunker.Worker)
}

func (a *Acheron) initEnricher() (services.Service, error) {
	return a.initWorker(workitem.Enriching, a.Cfg.Pipeline.Enricher.Worker)
}

func (a *Acheron) initPersister() (services.Service, error) {
	return a.initWorker(workitem.Storing, a.Cfg.Pipeline.Persister.Worker)
}

func (a *Acheron) initSweeper() (services.Service, error) {
	return pipeline.NewSweeper(a.Cfg.Pipeline.Sweeper, a.Pipeline, util_log.Logger), nil
}

func (a *Acheron) initAPI() (services.Service, error) {
	a.API = api.New(a.Cfg.Server, a.Pipeline, a.Tracker, a.Blobs, a.Index, a.Gatherer, util_log.Logger)
	return a.API, nil
}

func (a *Acheron) setupModuleManager() error {
	mm := modules.NewManager(util_log.Logger)

	mm.RegisterModule(Tracker, a.initTracker, modules.UserInvisibleModule)
	mm.RegisterModule(Queue, a.initQueue, modules.UserInvisibleModule)
	mm.RegisterModule(Storage, a.initStorage, modules.UserInvisibleModule)
	mm.RegisterModule(Enrichment, a.initEnrichment, modules.UserInvisibleModule)
	mm.RegisterModule(Pipeline, a.initPipeline, modules.UserInvisibleModule)
	mm.RegisterModule(Chunker, a.initChunker)
	mm.RegisterModule(Enricher, a.initEnricher)
	mm.RegisterModule(Persister, a.initPersister)
	mm.RegisterModule(Sweeper, a.initSweeper)
	mm.RegisterModule(API, a.initAPI)
	mm.RegisterModule(All, nil)

	deps := map[string][]string{
		Pipeline:  {Tracker, Queue, Storage, Enrichment},
		Chunker:   {Pipeline},
		Enricher:  {Pipeline},
		Persister: {Pipeline},
		Sweeper:   {Pipeline},
		API:       {Pipeline},
		All:       {Chunker, Enricher, Persister, Sweeper, API},
	}
	for mod, ds := range deps {
		if err := mm.AddDependency(mod, ds...); err != nil {
			return err
		}
	}

	a.ModuleManager = mm
	return nil
}
