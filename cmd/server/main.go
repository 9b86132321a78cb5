package main

import (
	"context"
	"flag"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cormorant-labs/chunkxfer/internal/config"
	"github.com/cormorant-labs/chunkxfer/internal/ledger"
	"github.com/cormorant-labs/chunkxfer/internal/observability"
	"github.com/cormorant-labs/chunkxfer/internal/quicutil"
	"github.com/cormorant-labs/chunkxfer/internal/ratelimit"
	"github.com/cormorant-labs/chunkxfer/internal/reactor"
	"github.com/cormorant-labs/chunkxfer/internal/transport"
	"github.com/cormorant-labs/chunkxfer/internal/validation"
)

// alpn is the QUIC ALPN identifier both sides negotiate; it has no
// relation to HTTP/3 and exists only to satisfy TLS's protocol list.
const alpn = "chunkxfer-quic"

func main() {
	cfg := config.Default()

	listenAddr := flag.String("listen-addr", cfg.ListenAddr, "QUIC listener address")
	metricsAddr := flag.String("metrics-addr", cfg.MetricsAddr, "metrics/health HTTP address")
	chunkSize := flag.Uint64("chunk-size", cfg.ChunkSize, "default chunk size in bytes")
	uploadSlots := flag.Int("upload-slots", cfg.UploadSlots, "concurrent chunk-pull budget across all peers")
	chunkTimeout := flag.Duration("chunk-timeout", cfg.ChunkTimeout, "time a chunk pull may stay outstanding before eviction")
	newRate := flag.Float64("new-rate", cfg.NewRatePerSecond, "NEW requests allowed per peer per second")
	newBurst := flag.Int("new-burst", cfg.NewRateBurst, "NEW request burst allowance per peer")
	ledgerPath := flag.String("ledger-path", cfg.LedgerPath, "path to the transfer history ledger")
	tlsCertValidity := flag.Duration("tls-cert-validity", cfg.TLSCertValidity, "validity period of the generated self-signed TLS certificate")
	flag.Parse()

	cfg.ListenAddr = *listenAddr
	cfg.MetricsAddr = *metricsAddr
	cfg.ChunkSize = *chunkSize
	cfg.UploadSlots = *uploadSlots
	cfg.ChunkTimeout = *chunkTimeout
	cfg.NewRatePerSecond = *newRate
	cfg.NewRateBurst = *newBurst
	cfg.LedgerPath = *ledgerPath
	cfg.TLSCertValidity = *tlsCertValidity

	logger := observability.NewLogger("chunkxfer-server", "1.0.0", os.Stdout)
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker("1.0.0")

	if shutdown, err := observability.InitTracing(context.Background(), "chunkxfer-server"); err == nil {
		defer shutdown(context.Background())
	}

	if err := validation.ValidateAddr(cfg.ListenAddr); err != nil {
		logger.Fatal(err, "invalid listen address")
	}
	if err := validation.ValidateStringNonEmpty(cfg.LedgerPath); err != nil {
		logger.Fatal(err, "ledger path must not be empty")
	}
	if err := validation.ValidateRangeInt(cfg.UploadSlots, 1, 1<<16); err != nil {
		logger.Fatal(err, "invalid upload-slots value")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LedgerPath), 0o755); err != nil {
		logger.Fatal(err, "failed to create ledger directory")
	}

	ldg, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		logger.Fatal(err, "failed to open transfer ledger")
	}
	defer ldg.Close()
	healthChecker.RegisterCheck("ledger", observability.LedgerCheck(true, cfg.LedgerPath))
	healthChecker.RegisterCheck("disk_space", observability.DiskSpaceCheck(filepath.Dir(cfg.LedgerPath), 1))

	certPEM, keyPEM, err := quicutil.GenerateSelfSignedCert(cfg.TLSCertValidity)
	if err != nil {
		logger.Fatal(err, "failed to generate TLS certificate")
	}
	tlsConfig, err := quicutil.MakeTLSConfig(certPEM, keyPEM)
	if err != nil {
		logger.Fatal(err, "failed to build TLS config")
	}
	tlsConfig.NextProtos = []string{alpn}

	listener, err := transport.Listen(cfg.ListenAddr, tlsConfig)
	if err != nil {
		logger.Fatal(err, "failed to start QUIC listener")
	}
	defer listener.Close()
	healthChecker.RegisterCheck("quic_listener", observability.QUICListenerCheck(listener.Addr()))
	logger.Info("QUIC listener started on " + listener.Addr())

	go serveObservability(*metricsAddr, metrics, healthChecker, logger)

	router := transport.NewRouter()
	limiter := ratelimit.NewPeerLimiter(cfg.NewRatePerSecond, cfg.NewRateBurst)
	re := reactor.NewReactor(router, logger, metrics, ldg, limiter, cfg.UploadSlots, cfg.ChunkTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go acceptLoop(ctx, listener, router, re, logger, metrics)

	logger.Info("chunkxfer server running")
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- re.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info("shutting down gracefully")
	case err := <-runErrCh:
		if err != nil && err != context.Canceled {
			logger.Error(err, "reactor exited unexpectedly")
		}
	}
	cancel()
}

func acceptLoop(ctx context.Context, l *transport.Listener, router *transport.Router, re *reactor.Reactor, logger *observability.Logger, metrics *observability.Metrics) {
	for {
		p, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.ConnectionFailed("", err)
			metrics.RecordQUICConnection(false)
			continue
		}
		metrics.RecordQUICConnection(true)
		logger.ConnectionEstablished(p.RemoteAddr(), string(p.ID()))
		go re.ServePeer(p)
	}
}

func serveObservability(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{Addr: addr, Handler: mux}
	logger.Info("observability server listening on " + addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "observability server error")
	}
}

