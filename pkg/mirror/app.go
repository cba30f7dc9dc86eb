package mirror

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/crmmirror/crmmirror/pkg/codec"
	"github.com/crmmirror/crmmirror/pkg/connection"
	"github.com/crmmirror/crmmirror/pkg/logger"
	"github.com/crmmirror/crmmirror/pkg/ratelimit"
	"github.com/crmmirror/crmmirror/pkg/registry"
	"github.com/crmmirror/crmmirror/pkg/session"
	"github.com/crmmirror/crmmirror/pkg/store/postgres"
	"github.com/crmmirror/crmmirror/pkg/subscribe"
	"github.com/crmmirror/crmmirror/pkg/syncer"
	"github.com/crmmirror/crmmirror/pkg/transport"
)

// App is the fully wired mirroring service.
type App struct {
	cfg          *Config
	logger       zerolog.Logger
	logCloser    io.Closer
	store        *postgres.Store
	orchestrator *Orchestrator
	admin        *AdminServer
}

// NewApp builds the service from configuration.
func NewApp(cfg *Config, v *viper.Viper) (*App, error) {
	log, closer, err := buildLogger(cfg)
	if err != nil {
		return nil, err
	}
	log = log.With().Str("instance_id", uuid.NewString()).Logger()

	st, err := postgres.Open(cfg.DatabaseDSN, logger.Component(log, "store"))
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, err
	}

	sessions := session.NewCache(
		session.NewHTTPLogin(cfg.AuthURL, cfg.Credentials()),
		session.WithSafetyBuffer(cfg.SessionSafetyBuffer),
		session.WithLogger(logger.Component(log, "session")),
	)
	conns := connection.NewCache(sessions,
		connection.WithLogger(logger.Component(log, "connection")))

	frameCodec, err := frameCodecFor(cfg.Codec)
	if err != nil {
		st.Close()
		return nil, err
	}

	tr := transport.NewWebSocket(
		transport.WithCodec(frameCodec),
		transport.WithLogger(logger.Component(log, "transport")),
	)

	reg := registry.New(st, logger.Component(log, "registry"))
	limiter := ratelimit.NewLimiter(RateLimitProvider(v),
		ratelimit.WithLogger(logger.Component(log, "ratelimit")))
	sync := syncer.New(st, reg, limiter, logger.Component(log, "syncer"))
	handler := syncer.NewHandler(subscribe.NewDecoder(), sync, logger.Component(log, "handler"))

	sub := subscribe.New(tr, conns, handler, cfg.EndpointKey, cfg.Topic,
		subscribe.WithReceiveTimeout(cfg.ReceiveTimeout),
		subscribe.WithRetryDelay(cfg.RetryDelay),
		subscribe.WithLogger(logger.Component(log, "subscription")),
	)

	orch := NewOrchestrator(sub, reg, sync, limiter, st, logger.Component(log, "orchestrator"))
	admin := NewAdminServer(cfg.AdminAddr, orch, limiter, logger.Component(log, "admin"))

	return &App{
		cfg:          cfg,
		logger:       log,
		logCloser:    closer,
		store:        st,
		orchestrator: orch,
		admin:        admin,
	}, nil
}

// Run migrates the store, starts the service and blocks until ctx is
// cancelled, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	if err := a.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating store: %w", err)
	}

	if err := a.orchestrator.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.admin.ListenAndServe() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			a.logger.Error().Err(err).Msg("admin server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.orchestrator.Stop(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("stopping mirroring service")
	}
	if err := a.admin.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("shutting down admin server")
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("closing store")
	}
	if a.logCloser != nil {
		a.logCloser.Close()
	}
	return nil
}

func buildLogger(cfg *Config) (zerolog.Logger, io.Closer, error) {
	level := logger.ParseLevel(cfg.LogLevel)
	zerolog.SetGlobalLevel(level)

	if cfg.LogPath != "" {
		log, closer, err := logger.NewFromPath(cfg.LogPath)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("opening log file: %w", err)
		}
		return log, closer, nil
	}
	return logger.New(os.Stderr), nil, nil
}

func frameCodecFor(name string) (codec.Codec, error) {
	switch name {
	case "", "json":
		return codec.JSON{}, nil
	case "cbor":
		return codec.CBOR{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}
