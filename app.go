package silverbuild

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"silverbuild/llm"
	"silverbuild/sandbox"
	"silverbuild/server"
	"silverbuild/store"
	"silverbuild/workflow"
)

// App is one fully wired service instance.
type App struct {
	cfg *Config
	log zerolog.Logger

	db  *bolt.DB
	ns  *natsserver.Server // nil when using an external broker
	nc  *nats.Conn
	sub *nats.Subscription
	srv *http.Server
}

// NewApp wires storage, model client, sandbox provisioner, event bus
// and API from the configuration.
func NewApp(cfg *Config) (*App, error) {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	client, model, err := llm.Resolve(cfg.Model, cfg.APIKey, cfg.LLMBaseURL)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.DataPath)
	if err != nil {
		return nil, err
	}

	app := &App{cfg: cfg, log: log, db: db}

	if cfg.NATSURL != "" {
		app.nc, err = nats.Connect(cfg.NATSURL)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("connect nats %s: %w", cfg.NATSURL, err)
		}
	} else {
		app.ns, app.nc, err = server.StartEmbedded()
		if err != nil {
			db.Close()
			return nil, err
		}
		log.Info().Msg("embedded NATS server started")
	}

	st := store.New(db)
	provisioner := sandbox.NewDockerProvisioner(
		cfg.Sandbox.DockerHost, cfg.Sandbox.PreviewDomain, cfg.Sandbox.Workdir,
		log.With().Str("component", "sandbox").Logger(),
	)

	wf := &workflow.Runner{
		Provisioner: provisioner,
		Store:       st,
		DB:          db,
		LLM:         client,
		Model:       model,
		Template:    cfg.Sandbox.Template,
		PreviewPort: cfg.Sandbox.PreviewPort,
		MaxTurns:    cfg.MaxTurns,
		Log:         log.With().Str("component", "workflow").Logger(),
	}

	bus := server.NewBus(app.nc, log.With().Str("component", "bus").Logger())
	app.sub, err = bus.ConsumeTasks(context.Background(), func(ctx context.Context, ev workflow.TaskEvent) {
		if _, err := wf.Run(ctx, ev); err != nil {
			log.Error().Err(err).Str("run", ev.RunID).Msg("orchestration run failed")
		}
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	api := &server.API{Store: st, Bus: bus, Log: log.With().Str("component", "api").Logger()}
	app.srv = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     api.Routes(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	return app, nil
}

// Run serves the API until ctx is cancelled, then shuts down cleanly.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", a.srv.Addr).Str("model", a.cfg.Model).Msg("silverbuild listening")
		if err := a.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error().Err(err).Msg("http shutdown")
	}
	a.Close()
	return nil
}

// Close releases the app's resources.
func (a *App) Close() {
	if a.sub != nil {
		a.sub.Unsubscribe()
	}
	if a.nc != nil {
		a.nc.Close()
	}
	if a.ns != nil {
		a.ns.Shutdown()
	}
	if a.db != nil {
		a.db.Close()
	}
}
