// Command replimap-node runs one member of a replicated string map.
package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	fiber "github.com/gofiber/fiber/v3"
	"github.com/hyp3rd/ewrap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/hyp3rd/replimap"
	"github.com/hyp3rd/replimap/internal/config"
	"github.com/hyp3rd/replimap/internal/constants"
	"github.com/hyp3rd/replimap/internal/telemetry"
	"github.com/hyp3rd/replimap/pkg/cluster"
	"github.com/hyp3rd/replimap/pkg/discovery"
	"github.com/hyp3rd/replimap/pkg/middleware"
	"github.com/hyp3rd/replimap/pkg/transport"
	"github.com/hyp3rd/replimap/pkg/wire"
)

var version = "dev"

const shutdownTimeout = 5 * time.Second

// printf adapts a zap sugared logger to the Printf loggers used across replimap.
type printf struct {
	log   *zap.SugaredLogger
	debug bool
}

func (p printf) Printf(format string, v ...any) {
	if p.debug {
		p.log.Debugf(format, v...)

		return
	}

	p.log.Infof(format, v...)
}

// transportRunner is a transport with its own lifecycle.
type transportRunner interface {
	transport.Transport
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

func main() {
	path := flag.String("config", "replimap.yaml", "path to the node configuration")
	flag.Parse()

	err := run(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	sugar := logger.Sugar()
	defer func() { _ = sugar.Sync() }() //nolint:errcheck // stderr sync fails on some terminals

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	local, err := cfg.LocalMember()
	if err != nil {
		return err
	}

	sugar.Infow("starting replimap node", "version", version, "member", local.String(), "map", cfg.Map,
		"strategy", cfg.Strategy, "transport", cfg.Transport.Kind)

	tr, joiner, err := newTransport(cfg, local, printf{log: sugar.Named("transport")})
	if err != nil {
		return err
	}

	err = tr.Start(ctx)
	if err != nil {
		return ewrap.Wrap(err, "start transport")
	}

	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		_ = tr.Stop(stopCtx) //nolint:errcheck // shutting down
	}()

	if len(cfg.Discovery.Endpoints) > 0 {
		err = startDiscovery(ctx, cfg, local, joiner, sugar.Named("discovery"))
		if err != nil {
			return err
		}
	}

	m, err := newMap(cfg, tr, sugar)
	if err != nil {
		return err
	}

	err = m.Start(ctx)
	if err != nil {
		return ewrap.Wrap(err, "start map")
	}

	reg := telemetry.NewRegistry()
	reg.SetBuildInfo(version)

	err = reg.Track(m)
	if err != nil {
		return ewrap.Wrap(err, "register map collector")
	}

	svc, err := chain(m, reg, sugar)
	if err != nil {
		return err
	}

	if cfg.Management.Addr != "" {
		srv := newManagementServer(cfg.Management, m, svc, reg)

		err = srv.Start(ctx)
		if err != nil {
			return ewrap.Wrap(err, "start management server")
		}

		sugar.Infow("management server listening", "addr", srv.Address())

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			_ = srv.Shutdown(shutdownCtx) //nolint:errcheck // shutting down
		}()
	}

	<-ctx.Done()
	sugar.Infow("shutting down", "member", local.String())

	return svc.Stop(context.Background())
}

func newLogger(cfg config.Log) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, ewrap.Wrap(err, "log level")
	}

	zc.Level = level

	logger, err := zc.Build()
	if err != nil {
		return nil, ewrap.Wrap(err, "build logger")
	}

	return logger, nil
}

// newTransport builds the configured transport. The joiner is nil for transports
// that discover members on their own.
func newTransport(cfg config.Config, local cluster.Member, logger printf) (transportRunner, discovery.Joiner, error) {
	var frameOpts []wire.FrameOption
	if cfg.Transport.Compression {
		frameOpts = append(frameOpts, wire.WithCompression(cfg.Transport.CompressFrom))
	}

	frames := wire.NewFrameCodec(frameOpts...)

	switch cfg.Transport.Kind {
	case constants.RedisTransport:
		client := transport.NewRedisClient(cfg.Transport.Redis.Addr, cfg.Transport.Redis.Password, cfg.Transport.Redis.DB)
		tr := transport.NewRedis(client, cfg.RedisGroup(), local,
			transport.WithRedisHeartbeat(cfg.Transport.Heartbeat, cfg.Transport.DeadAfter),
			transport.WithRedisLogger(logger),
			transport.WithRedisFrameCodec(frames),
		)

		return tr, nil, nil
	default:
		peers, err := cfg.Peers()
		if err != nil {
			return nil, nil, err
		}

		tr := transport.NewHTTP(local,
			transport.WithHTTPPeers(peers...),
			transport.WithHTTPTimeout(cfg.Transport.SendTimeout),
			transport.WithHTTPHeartbeat(cfg.Transport.Heartbeat, cfg.Transport.SuspectAfter, cfg.Transport.DeadAfter),
			transport.WithHTTPLogger(logger),
			transport.WithHTTPFrameCodec(frames),
		)

		return tr, tr, nil
	}
}

func startDiscovery(ctx context.Context, cfg config.Config, local cluster.Member, joiner discovery.Joiner, log *zap.SugaredLogger) error {
	if joiner == nil {
		log.Infow("discovery ignored, transport tracks members itself", "transport", cfg.Transport.Kind)

		return nil
	}

	cli, err := discovery.NewClient(cfg.Discovery.Endpoints)
	if err != nil {
		return err
	}

	reg := discovery.New(cli, cfg.Discovery.Prefix, cfg.Map, local,
		discovery.WithTTL(cfg.Discovery.TTL),
		discovery.WithLogger(printf{log: log}),
	)

	err = reg.Register(ctx)
	if err != nil {
		_ = cli.Close() //nolint:errcheck // already failing

		return err
	}

	go func() {
		defer func() { _ = cli.Close() }() //nolint:errcheck // shutting down

		err := reg.Watch(ctx, joiner)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Errorw("discovery watch stopped", "error", err)
		}

		revokeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		_ = reg.Deregister(revokeCtx) //nolint:errcheck // lease expires anyway
	}()

	return nil
}

func newMap(cfg config.Config, tr transport.Transport, log *zap.SugaredLogger) (*replimap.Map[string, string], error) {
	strategy, err := cfg.ReplicationStrategy()
	if err != nil {
		return nil, err
	}

	promoted := log.Named("owner")

	return replimap.New[string, string](cfg.Map, tr,
		replimap.WithStrategy(strategy),
		replimap.WithSerializer(cfg.Serializer),
		replimap.WithLogger(printf{log: log.Named("map")}),
		replimap.WithSendOptions(transport.SendOptions{Timeout: cfg.Transport.SendTimeout}),
		replimap.WithStateTransferTimeout(cfg.StateTransferTimeout),
		replimap.WithOwner[string, string](replimap.OwnerFunc[string, string](func(key, _ string) {
			promoted.Infow("entry promoted to primary", "key", key)
		})),
	)
}

func chain(m *replimap.Map[string, string], reg *telemetry.Registry, log *zap.SugaredLogger) (replimap.Service[string, string], error) {
	promSvc, err := middleware.NewPrometheusMiddleware[string, string](m, reg)
	if err != nil {
		return nil, err
	}

	metricsSvc, err := middleware.NewOTelMetricsMiddleware(promSvc, otel.GetMeterProvider().Meter("replimap"))
	if err != nil {
		return nil, ewrap.Wrap(err, "otel metrics middleware")
	}

	return replimap.ApplyMiddleware[string, string](metricsSvc,
		func(next replimap.Service[string, string]) replimap.Service[string, string] {
			return middleware.NewOTelTracingMiddleware(next, otel.Tracer("replimap"),
				middleware.WithCommonAttributes(attribute.String("replimap.map", m.Name())))
		},
		func(next replimap.Service[string, string]) replimap.Service[string, string] {
			return middleware.NewLoggingMiddleware(next, printf{log: log.Named("service"), debug: true})
		},
	), nil
}

func newManagementServer(
	cfg config.Management,
	m *replimap.Map[string, string],
	svc replimap.Service[string, string],
	reg *telemetry.Registry,
) *replimap.ManagementHTTPServer[string, string] {
	opts := []replimap.ManagementHTTPOption{replimap.WithMgmtMetricsHandler(reg.Handler())}

	if cfg.Token != "" {
		token := []byte("Bearer " + cfg.Token)

		opts = append(opts, replimap.WithMgmtAuth(func(c fiber.Ctx) error {
			if subtle.ConstantTimeCompare([]byte(c.Get(fiber.HeaderAuthorization)), token) != 1 {
				return fiber.ErrUnauthorized
			}

			return nil
		}))
	}

	srv := replimap.NewManagementHTTPServer(cfg.Addr, m, replimap.StringKey, replimap.StringValue, opts...)
	srv.UseService(svc)

	return srv
}
