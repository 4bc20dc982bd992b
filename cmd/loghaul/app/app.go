package app

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	dslog "github.com/grafana/dskit/log"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"gopkg.in/yaml.v2"

	"github.com/loghaul/loghaul/modules/ingester"
	"github.com/loghaul/loghaul/modules/worker"
	"github.com/loghaul/loghaul/pkg/queue"
	"github.com/loghaul/loghaul/pkg/store"
	"github.com/loghaul/loghaul/pkg/util"
	"github.com/loghaul/loghaul/pkg/util/log"
)

const metricsNamespace = "loghaul"

// Config is the root config for App.
type Config struct {
	Target string `yaml:"target,omitempty"`

	Server   ServerConfig    `yaml:"server,omitempty"`
	Queue    queue.Config    `yaml:"queue,omitempty"`
	Store    store.Config    `yaml:"store,omitempty"`
	Ingester ingester.Config `yaml:"ingester,omitempty"`
	Worker   worker.Config   `yaml:"worker,omitempty"`
}

// ServerConfig holds the shared HTTP server and logging settings.
type ServerConfig struct {
	HTTPListenAddress string        `yaml:"http_listen_address"`
	HTTPListenPort    int           `yaml:"http_listen_port"`
	LogLevel          dslog.Level   `yaml:"log_level"`
	LogFormat         string        `yaml:"log_format"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// RegisterFlagsAndApplyDefaults registers flag.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.Target = SingleBinary
	f.StringVar(&c.Target, "target", SingleBinary, "target module")

	f.StringVar(&c.Server.HTTPListenAddress, "server.http-listen-address", "", "HTTP server listen address.")
	f.IntVar(&c.Server.HTTPListenPort, "server.http-listen-port", 3200, "HTTP server listen port.")
	c.Server.LogLevel.RegisterFlags(f)
	c.Server.LogFormat = "logfmt"
	c.Server.ShutdownTimeout = 30 * time.Second

	c.Queue.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "queue"), f)
	c.Store.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "store"), f)
	c.Ingester.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "ingester"), f)
	c.Worker.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "worker"), f)
}

// CheckConfig checks if config values are suspect.
func (c *Config) CheckConfig() {
	if c.Worker.ClaimIdleThreshold <= c.Worker.ReadBlock {
		level.Warn(log.Logger).Log("msg", "worker.claim_idle_threshold <= worker.read_block",
			"explan", "Live consumers may have in-flight batches stolen by the claim sweep")
	}

	if c.Ingester.MaxBatchSize > 1000 {
		level.Warn(log.Logger).Log("msg", "ingester.max_batch_size > 1000",
			"explan", "Large batches inflate enqueue pipeline latency")
	}

	if c.Queue.MaxStreamLen > 0 {
		level.Warn(log.Logger).Log("msg", "queue.max_stream_len is set",
			"explan", "Entries beyond the cap are trimmed even if never processed; size for worst-case pipeline lag")
	}
}

// App is the root datastructure.
type App struct {
	cfg Config

	router     *mux.Router
	httpServer *http.Server

	queue    *queue.Queue
	store    *store.Store
	ingester *ingester.Ingester
	worker   *worker.Pool

	moduleManager *modules.Manager
	serviceMap    map[string]services.Service
}

// New makes a new app.
func New(cfg Config) (*App, error) {
	app := &App{
		cfg: cfg,
	}

	if err := app.setupModuleManager(); err != nil {
		return nil, fmt.Errorf("failed to setup module manager %w", err)
	}

	return app, nil
}

// Run starts, and blocks until a signal is received.
func (t *App) Run() error {
	serviceMap, err := t.moduleManager.InitModuleServices(t.cfg.Target)
	if err != nil {
		return fmt.Errorf("failed to init module services %w", err)
	}
	t.serviceMap = serviceMap

	servs := []services.Service(nil)
	for _, s := range serviceMap {
		servs = append(servs, s)
	}

	sm, err := services.NewManager(servs...)
	if err != nil {
		return fmt.Errorf("failed to start service manager %w", err)
	}

	// before starting the server, register the operational handlers.
	t.router.Path("/config").Handler(t.configHandler())
	t.router.Path("/ready").Handler(t.readyHandler(sm))

	// Let's listen for events from this manager, and log them.
	healthy := func() { level.Info(log.Logger).Log("msg", "Loghaul started") }
	stopped := func() { level.Info(log.Logger).Log("msg", "Loghaul stopped") }
	serviceFailed := func(service services.Service) {
		// if any service fails, stop everything
		sm.StopAsync()

		// let's find out which module failed
		for m, s := range serviceMap {
			if s == service {
				level.Error(log.Logger).Log("msg", "module failed", "module", m, "err", service.FailureCase())
				return
			}
		}

		level.Error(log.Logger).Log("msg", "module failed", "module", "unknown", "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	// Setup signal handler. If signal arrives, we stop the manager, which stops all the services.
	handler := signals.NewHandler(log.Logger)
	go func() {
		handler.Loop()
		sm.StopAsync()
	}()

	// Start all services. This can really only fail if some service is already
	// in other state than New, which should not be the case.
	err = sm.StartAsync(context.Background())
	if err != nil {
		return fmt.Errorf("failed to start service manager %w", err)
	}

	return sm.AwaitStopped(context.Background())
}

func (t *App) configHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		out, err := yaml.Marshal(t.cfg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/yaml")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(out); err != nil {
			level.Error(log.Logger).Log("msg", "error writing response", "err", err)
		}
	}
}

func (t *App) readyHandler(sm *services.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if !sm.IsHealthy() {
			msg := bytes.Buffer{}
			msg.WriteString("Some services are not Running:\n")

			byState := sm.ServicesByState()
			for st, ls := range byState {
				msg.WriteString(fmt.Sprintf("%v: %d\n", st, len(ls)))
			}

			http.Error(w, msg.String(), http.StatusServiceUnavailable)
			return
		}

		http.Error(w, "ready", http.StatusOK)
	}
}

// waitDependents blocks until the named services (when initialized) have
// terminated. Used so shared clients close only after their users stop.
func (t *App) waitDependents(names ...string) {
	for _, name := range names {
		if s, ok := t.serviceMap[name]; ok {
			_ = s.AwaitTerminated(context.Background())
		}
	}
}
