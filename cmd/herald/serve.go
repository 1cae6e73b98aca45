package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/herald-mq/herald/internal/auth"
	"github.com/herald-mq/herald/internal/ca"
	"github.com/herald-mq/herald/internal/clock"
	"github.com/herald-mq/herald/internal/config"
	"github.com/herald-mq/herald/internal/events"
	"github.com/herald-mq/herald/internal/ingress"
	"github.com/herald-mq/herald/internal/jobs"
	"github.com/herald-mq/herald/internal/logging"
	"github.com/herald-mq/herald/internal/notify"
	"github.com/herald-mq/herald/internal/queue"
	"github.com/herald-mq/herald/internal/seal"
	"github.com/herald-mq/herald/internal/store"
	"github.com/herald-mq/herald/internal/storeapi"
	"github.com/herald-mq/herald/internal/trust"
	"github.com/herald-mq/herald/internal/worker"
)

const shutdownTimeout = 15 * time.Second

var serveStoreCmd = &cobra.Command{
	Use:   "serve-store",
	Short: "Run the store of record and its HTTPS API",
	Args:  cobra.NoArgs,
	RunE:  runServeStore,
}

var serveIngressCmd = &cobra.Command{
	Use:   "serve-ingress",
	Short: "Run the mTLS ingress proxy",
	Args:  cobra.NoArgs,
	RunE:  runServeIngress,
}

var serveWorkerCmd = &cobra.Command{
	Use:   "serve-worker",
	Short: "Run a delivery worker",
	Args:  cobra.NoArgs,
	RunE:  runServeWorker,
}

func runServeStore(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	if err := cfg.ValidateStore(); err != nil {
		return configErr(err)
	}
	log := logging.New(cfg.LogJSON).Component("store")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DatabaseURL, log)
	if err != nil {
		return dependencyErr(fmt.Errorf("open store: %w", err))
	}
	defer st.Close()

	authority, err := ca.Load(ctx, cfg.CADir, st)
	if err != nil {
		if errors.Is(err, ca.ErrNotInitialized) {
			return dependencyErr(fmt.Errorf("%w (run \"herald ca init\" first)", err))
		}
		return dependencyErr(fmt.Errorf("load ca: %w", err))
	}

	sealer, err := seal.Load(cfg.EncryptionKeyPath)
	if err != nil {
		return dependencyErr(fmt.Errorf("load encryption key: %w (run \"herald keygen\" first)", err))
	}

	authSvc := auth.NewService(auth.ServiceConfig{
		Users:      st,
		Resets:     st,
		Log:        log,
		JWTSecret:  []byte(cfg.JWTSecret),
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
	})

	bus := events.New()
	notifier, err := notify.FromFile(cfg.NotifyConfig, log)
	if err != nil {
		return configErr(fmt.Errorf("notify config: %w", err))
	}
	go notify.Run(ctx, bus, notifier)

	runner, err := jobs.New(jobs.Config{
		RetentionDays: cfg.RetentionDays,
		TextfilePath:  cfg.MetricsTextfile,
	}, jobs.Dependencies{Store: st, Auth: authSvc, Bus: bus, Log: log})
	if err != nil {
		return dependencyErr(fmt.Errorf("background jobs: %w", err))
	}
	runner.Start()
	defer runner.Stop()

	serverCert, err := tls.LoadX509KeyPair(cfg.ServerCertPath, cfg.ServerKeyPath)
	if err != nil {
		return dependencyErr(fmt.Errorf("load server keypair: %w (issue one with \"herald ca issue\")", err))
	}

	// Operator and public routes carry no client certificate, so presence
	// is enforced per-route by the internal API, not at the handshake.
	verifier := trust.NewVerifier(st, clock.Real{}, log)
	tlsCfg, err := trust.ServerConfig(serverCert, authority.CertPEM(), tls.VerifyClientCertIfGiven, verifier.VerifyPeer)
	if err != nil {
		return dependencyErr(fmt.Errorf("server tls: %w", err))
	}

	srv := storeapi.NewServer(storeapi.Dependencies{
		Store:  st,
		Auth:   authSvc,
		CA:     authority,
		Sealer: sealer,
		Bus:    bus,
		Log:    log,
	})

	return serveUntilShutdown(ctx, log, "store",
		func() error { return srv.ListenAndServe(cfg.StoreAddr, tlsCfg) },
		srv.Shutdown)
}

func runServeIngress(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	if err := cfg.ValidateIngress(); err != nil {
		return configErr(err)
	}
	log := logging.New(cfg.LogJSON).Component("ingress")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sealer, err := seal.Load(cfg.EncryptionKeyPath)
	if err != nil {
		return dependencyErr(fmt.Errorf("load encryption key: %w", err))
	}
	fp, err := seal.NewFingerprinter(cfg.SenderHashSalt)
	if err != nil {
		return configErr(err)
	}

	caPEM, err := os.ReadFile(cfg.CACertPath)
	if err != nil {
		return dependencyErr(fmt.Errorf("read ca cert: %w", err))
	}
	proxyCert, err := tls.LoadX509KeyPair(cfg.ServerCertPath, cfg.ServerKeyPath)
	if err != nil {
		return dependencyErr(fmt.Errorf("load proxy keypair: %w", err))
	}

	clientTLS, err := trust.ClientConfig(proxyCert, caPEM)
	if err != nil {
		return dependencyErr(fmt.Errorf("store client tls: %w", err))
	}
	storeClient := storeapi.NewClient(storeapi.ClientConfig{
		BaseURL:   cfg.StoreURL,
		Component: componentCN(proxyCert, "proxy"),
		TLS:       clientTLS,
	})
	if err := storeClient.Ping(ctx); err != nil {
		return dependencyErr(fmt.Errorf("store unreachable at %s: %w", cfg.StoreURL, err))
	}

	q, err := queue.Open(ctx, cfg.QueueURL, log)
	if err != nil {
		return dependencyErr(fmt.Errorf("open queue: %w", err))
	}
	defer q.Close()

	// Ingress has no CA directory; revocations come from the store's
	// published CRL.
	crl, err := trust.NewHTTPCRL(cfg.StoreURL+"/crl", caPEM)
	if err != nil {
		return dependencyErr(fmt.Errorf("crl source: %w", err))
	}
	verifier := trust.NewVerifier(crl, clock.Real{}, log)

	tlsCfg, err := trust.ServerConfig(proxyCert, caPEM, tls.RequireAndVerifyClientCert, ingress.VerifyPeer(verifier))
	if err != nil {
		return dependencyErr(fmt.Errorf("server tls: %w", err))
	}

	srv := ingress.NewServer(ingress.Dependencies{
		Store:          storeClient,
		Queue:          q,
		Sealer:         sealer,
		Fingerprint:    fp,
		Log:            log,
		RateLimit:      cfg.RateLimit,
		MaxConcurrent:  cfg.MaxConcurrent,
		QueueSoftLimit: cfg.QueueSoftLimit,
	})

	go func() {
		t := time.NewTicker(10 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				srv.CleanupLimiters(30 * time.Minute)
			}
		}
	}()

	return serveUntilShutdown(ctx, log, "ingress",
		func() error { return srv.ListenAndServe(cfg.IngressAddr, tlsCfg) },
		srv.Shutdown)
}

func runServeWorker(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	if err := cfg.ValidateWorker(); err != nil {
		return configErr(err)
	}
	log := logging.New(cfg.LogJSON).Component("worker")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	caPEM, err := os.ReadFile(cfg.CACertPath)
	if err != nil {
		return dependencyErr(fmt.Errorf("read ca cert: %w", err))
	}
	workerCert, err := tls.LoadX509KeyPair(cfg.ServerCertPath, cfg.ServerKeyPath)
	if err != nil {
		return dependencyErr(fmt.Errorf("load worker keypair: %w", err))
	}
	clientTLS, err := trust.ClientConfig(workerCert, caPEM)
	if err != nil {
		return dependencyErr(fmt.Errorf("store client tls: %w", err))
	}

	storeClient := storeapi.NewClient(storeapi.ClientConfig{
		BaseURL:   cfg.StoreURL,
		Component: cfg.WorkerID,
		TLS:       clientTLS,
		Timeout:   cfg.DeliveryTimeout,
	})
	if err := storeClient.Ping(ctx); err != nil {
		return dependencyErr(fmt.Errorf("store unreachable at %s: %w", cfg.StoreURL, err))
	}

	q, err := queue.Open(ctx, cfg.QueueURL, log)
	if err != nil {
		return dependencyErr(fmt.Errorf("open queue: %w", err))
	}
	defer q.Close()

	bus := events.New()
	notifier, err := notify.FromFile(cfg.NotifyConfig, log)
	if err != nil {
		return configErr(fmt.Errorf("notify config: %w", err))
	}
	go notify.Run(ctx, bus, notifier)

	w := worker.New(worker.Config{
		WorkerID:        cfg.WorkerID,
		Concurrency:     cfg.WorkerConcurrency,
		RetryInterval:   cfg.RetryInterval,
		MaxAttempts:     cfg.MaxAttempts,
		DeliveryTimeout: cfg.DeliveryTimeout,
	}, worker.Dependencies{
		Store: storeClient,
		Queue: q,
		Bus:   bus,
		Log:   log,
		Clock: clock.Real{},
	})

	// Plain-HTTP side listener for scrapes and liveness probes; it binds
	// loopback-adjacent infra, not the broker's mTLS surface.
	side := workerSideListener(cfg.WorkerMetricsAddr, q, log)
	defer side.Close()

	if err := w.Run(ctx); err != nil {
		return dependencyErr(fmt.Errorf("worker: %w", err))
	}
	return nil
}

func workerSideListener(addr string, q *queue.Queue, log *logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := q.Ping(r.Context()); err != nil {
			http.Error(w, "queue unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("worker side listener failed", "addr", addr, "error", err)
		}
	}()
	return srv
}

// serveUntilShutdown blocks until the context is cancelled or the listener
// fails. Listener failure is a startup dependency error; cancellation
// drains in-flight requests within shutdownTimeout.
func serveUntilShutdown(ctx context.Context, log *logging.Logger, name string, listen func() error, shutdown func(context.Context) error) error {
	errc := make(chan error, 1)
	go func() { errc <- listen() }()

	select {
	case err := <-errc:
		return dependencyErr(fmt.Errorf("%s listener: %w", name, err))
	case <-ctx.Done():
	}

	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := shutdown(sctx); err != nil {
		return opErr(fmt.Errorf("%s shutdown: %w", name, err))
	}
	return nil
}

// componentCN reads the CommonName from a loaded keypair so the store
// client identifies itself the same way its certificate does.
func componentCN(cert tls.Certificate, fallback string) string {
	leaf := cert.Leaf
	if leaf == nil && len(cert.Certificate) > 0 {
		leaf, _ = x509.ParseCertificate(cert.Certificate[0])
	}
	if leaf == nil || leaf.Subject.CommonName == "" {
		return fallback
	}
	return leaf.Subject.CommonName
}
