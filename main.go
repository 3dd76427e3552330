package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"matcharena/broker/internal/broadcast"
	"matcharena/broker/internal/config"
	httpapi "matcharena/broker/internal/http"
	"matcharena/broker/internal/logging"
	"matcharena/broker/internal/manager"
	"matcharena/broker/internal/metrics"
	"matcharena/broker/internal/queue"
	"matcharena/broker/internal/registry"
	"matcharena/broker/internal/rules"
	"matcharena/broker/internal/storage"
)

func main() {
	configPath := pflag.String("config", "", "path to a YAML config file")
	addrFlag := pflag.String("addr", "", "listen address override, e.g. :43150")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.L().Fatal("configuration invalid", logging.Error(err))
	}
	if *addrFlag != "" {
		cfg.Address = *addrFlag
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logging.L().Fatal("invalid log level", logging.Error(err))
	}
	logger, err := logging.New(logging.Options{Level: level, Path: cfg.Logging.Path})
	if err != nil {
		logging.L().Fatal("logger init failed", logging.Error(err))
	}
	defer logger.Close()
	logging.ReplaceGlobals(logger)

	//1.- Match history runs degraded rather than blocking startup: a broken
	// database surfaces through /readyz while live matches keep flowing.
	var (
		store      *storage.Store
		recorder   storage.Recorder
		history    httpapi.MatchHistory
		startupErr error
	)
	store, err = storage.New(cfg.Storage.DatabasePath)
	if err != nil {
		startupErr = err
		logger.Error("match history unavailable", logging.Error(err))
	} else {
		recorder = store
		history = store
		defer store.Close()
	}

	//2.- Assemble the arena core: registry, manager, queue, scheduler.
	reg := registry.New()
	var q *queue.Queue
	promRegistry := prometheus.NewRegistry()
	arenaMetrics := metrics.New(promRegistry,
		func() float64 {
			if q == nil {
				return 0
			}
			return float64(q.Len())
		},
		func() float64 { return float64(reg.Count()) },
	)

	mgr, err := manager.New(reg, rules.NewTurnBased(), recorder, logger, arenaMetrics,
		manager.WithConnectGrace(cfg.Session.ConnectGrace),
		manager.WithDisconnectGrace(cfg.Session.DisconnectGrace),
	)
	if err != nil {
		logger.Fatal("manager init failed", logging.Error(err))
	}

	q = queue.New(queue.Policy{
		SkillTolerance:    cfg.Matchmaking.SkillTolerance,
		ToleranceStep:     cfg.Matchmaking.ToleranceStep,
		WidenInterval:     cfg.Matchmaking.WidenInterval,
		MaxSkillTolerance: cfg.Matchmaking.MaxSkillTolerance,
		RegionRelaxAfter:  cfg.Matchmaking.RegionRelaxAfter,
	}, mgr.HandleMatchFormed)
	mgr.BindQueue(q)

	scheduler := broadcast.NewScheduler(mgr, reg, logger, arenaMetrics)
	tickLoop := broadcast.NewLoop(cfg.Broadcast.TickInterval, scheduler.Tick)
	sweepLoop := broadcast.NewLoop(cfg.Matchmaking.SweepInterval, func(time.Duration) { q.Sweep() })

	authenticator, err := newWebsocketAuthenticator(cfg.Auth)
	if err != nil {
		logger.Fatal("authenticator init failed", logging.Error(err))
	}

	brokerOpts := []BrokerOption{WithWebsocketAuthenticator(authenticator)}
	if startupErr != nil {
		brokerOpts = append(brokerOpts, WithStartupError(startupErr))
	}
	broker := newBroker(cfg, logger, arenaMetrics, reg, q, mgr, brokerOpts...)

	//3.- Operational HTTP surface next to the WebSocket endpoint.
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", broker.serveWS)
	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:      logger,
		Readiness:   broker,
		History:     history,
		Admin:       mgr,
		Metrics:     promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
		AdminToken:  cfg.AdminToken,
		RateLimiter: httpapi.NewSlidingWindowLimiter(time.Minute, 10, nil),
	})
	handlers.Register(mux)

	server := &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	//4.- gRPC health endpoint for infrastructure probes.
	grpcServer := grpc.NewServer()
	healthService := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthService)
	healthService.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddress)
	if err != nil {
		logger.Fatal("grpc listener failed", logging.Error(err))
	}
	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			logger.Error("grpc server stopped", logging.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	tickLoop.Start(ctx)
	sweepLoop.Start(ctx)

	tlsEnabled := cfg.TLSCertPath != "" && cfg.TLSKeyPath != ""
	logger.Info("arena listening",
		logging.String("url", listenerURL(cfg.Address, tlsEnabled)),
		logging.String("grpc_address", cfg.GRPCAddress))
	serveErr := make(chan error, 1)
	go func() {
		if tlsEnabled {
			serveErr <- server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			serveErr <- server.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", logging.Error(err))
		}
		stop()
	}

	//5.- Drain in order: stop accepting, end live matches, halt the loops.
	logger.Info("shutting down")
	healthService.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", logging.Error(err))
	}
	cancel()
	mgr.Shutdown("server shutdown")
	tickLoop.Stop()
	sweepLoop.Stop()
	grpcServer.GracefulStop()
	logger.Info("arena stopped")
}
