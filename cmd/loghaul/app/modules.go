package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loghaul/loghaul/modules/ingester"
	"github.com/loghaul/loghaul/modules/worker"
	"github.com/loghaul/loghaul/pkg/queue"
	"github.com/loghaul/loghaul/pkg/store"
	"github.com/loghaul/loghaul/pkg/util/log"
)

// The various modules that make up loghaul.
const (
	Server       string = "server"
	Queue        string = "queue"
	Store        string = "store"
	Ingester     string = "ingester"
	Worker       string = "worker"
	SingleBinary string = "all"
)

func (t *App) initServer() (services.Service, error) {
	t.router = mux.NewRouter()
	t.router.Handle("/metrics", promhttp.Handler())

	t.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", t.cfg.Server.HTTPListenAddress, t.cfg.Server.HTTPListenPort),
		Handler: t.router,
	}

	running := func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- t.httpServer.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return errors.Wrap(err, "http server failed")
		case <-ctx.Done():
			return nil
		}
	}

	stopping := func(_ error) error {
		// In-flight requests get the shutdown timeout to complete.
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.Server.ShutdownTimeout)
		defer cancel()
		return t.httpServer.Shutdown(ctx)
	}

	level.Info(log.Logger).Log("msg", "starting HTTP server", "addr", t.httpServer.Addr)
	return services.NewBasicService(nil, running, stopping), nil
}

func (t *App) initQueue() (services.Service, error) {
	t.queue = queue.New(t.cfg.Queue, log.Logger, prometheus.DefaultRegisterer)

	stopping := func(_ error) error {
		t.waitDependents(Ingester, Worker)
		return t.queue.Close()
	}
	return services.NewIdleService(nil, stopping), nil
}

func (t *App) initStore() (services.Service, error) {
	s, err := store.New(t.cfg.Store, log.Logger, prometheus.DefaultRegisterer)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create store")
	}
	t.store = s

	starting := func(ctx context.Context) error {
		return t.store.EnsureSchema(ctx)
	}
	stopping := func(_ error) error {
		t.waitDependents(Ingester, Worker)
		return t.store.Close()
	}
	return services.NewIdleService(starting, stopping), nil
}

func (t *App) initIngester() (services.Service, error) {
	ing, err := ingester.New(t.cfg.Ingester, t.queue, t.store, log.Logger, prometheus.DefaultRegisterer)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create ingester")
	}
	t.ingester = ing
	t.ingester.RegisterRoutes(t.router)

	return t.ingester, nil
}

func (t *App) initWorker() (services.Service, error) {
	w, err := worker.New(t.cfg.Worker, t.queue, t.store, log.Logger, prometheus.DefaultRegisterer)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create worker pool")
	}
	t.worker = w

	return t.worker, nil
}

func (t *App) setupModuleManager() error {
	mm := modules.NewManager(log.Logger)

	mm.RegisterModule(Server, t.initServer, modules.UserInvisibleModule)
	mm.RegisterModule(Queue, t.initQueue, modules.UserInvisibleModule)
	mm.RegisterModule(Store, t.initStore, modules.UserInvisibleModule)
	mm.RegisterModule(Ingester, t.initIngester)
	mm.RegisterModule(Worker, t.initWorker)
	mm.RegisterModule(SingleBinary, nil)

	deps := map[string][]string{
		Ingester:     {Server, Queue, Store},
		Worker:       {Server, Queue, Store},
		SingleBinary: {Ingester, Worker},
	}

	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	t.moduleManager = mm

	return nil
}
