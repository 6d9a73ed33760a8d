package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/emperorhan/pixelboard/internal/admin"
	"github.com/emperorhan/pixelboard/internal/alert"
	"github.com/emperorhan/pixelboard/internal/board"
	"github.com/emperorhan/pixelboard/internal/chain/contract"
	"github.com/emperorhan/pixelboard/internal/chain/rpc"
	"github.com/emperorhan/pixelboard/internal/chain/signer"
	"github.com/emperorhan/pixelboard/internal/config"
	"github.com/emperorhan/pixelboard/internal/domain/model"
	"github.com/emperorhan/pixelboard/internal/ingest"
	"github.com/emperorhan/pixelboard/internal/publisher"
	"github.com/emperorhan/pixelboard/internal/render"
	"github.com/emperorhan/pixelboard/internal/scheduler"
	"github.com/emperorhan/pixelboard/internal/store/filestore"
	pbredis "github.com/emperorhan/pixelboard/internal/store/redis"
	"github.com/emperorhan/pixelboard/internal/tracing"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const httpShutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook listener and the publish scheduler",
	Long: `Load board state from DATA_DIR, listen for pixel events on
POST /webhook and publish every changed board each PUBLISH_INTERVAL_SEC.

The process runs until SIGINT or SIGTERM. On shutdown it stops ticking and
waits for board cycles already in flight.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level, _ := config.ParseLogLevel(cfg.Log.Level)
	logger := newLogger(level)
	slog.SetDefault(logger)

	logger.Info("starting pixelboard",
		"version", version,
		"endpoints", len(cfg.Chain.RPCURLs),
		"contract", cfg.Chain.ContractAddress,
		"data_dir", cfg.Storage.DataDir,
		"interval", cfg.PublishInterval().String(),
		"http_port", cfg.Server.HTTPPort,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceSetup := tracing.Setup{
		ServiceName:    "pixelboard",
		ServiceVersion: version,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
	}
	if cfg.Tracing.Enabled {
		traceSetup.Endpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := tracing.Init(ctx, traceSetup)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	files, err := filestore.New(cfg.Storage.DataDir, logger)
	if err != nil {
		return err
	}
	boards := board.NewStore(cfg.FeePolicy(), files, logger)
	if err := files.LoadAll(boards); err != nil {
		return fmt.Errorf("load board state: %w", err)
	}

	tmpl := render.NewTemplateFile(cfg.Storage.TemplatePath)
	if _, err := tmpl.Load(); err != nil {
		return err
	}

	var (
		ingestOpts []ingest.Option
		fanout     *ingest.Fanout
	)
	if cfg.Stream.Enabled {
		stream, err := pbredis.NewStream(cfg.Stream.RedisURL, cfg.Stream.Key, cfg.Stream.MaxLen)
		if err != nil {
			return fmt.Errorf("initialize event stream: %w", err)
		}
		defer stream.Close()
		fanout = ingest.NewFanout(stream, cfg.Stream.QueueSize, logger)
		ingestOpts = append(ingestOpts, ingest.WithFanout(fanout))
		logger.Info("event stream enabled", "key", stream.Key(), "max_len", cfg.Stream.MaxLen)
	}

	pub, err := buildPublisher(cfg, boards, logger)
	if err != nil {
		return err
	}

	sched := scheduler.New(boards, files, tmpl, pub, cfg.PublishInterval(), logger,
		scheduler.WithAlerter(buildAlerter(cfg, logger)),
		scheduler.WithFailureThreshold(cfg.Alert.FailureThreshold),
	)

	limiter := admin.NewRateLimitMiddleware(logger)
	defer limiter.Stop()
	handler := newHTTPHandler(
		ingest.New(boards, logger, ingestOpts...),
		admin.NewServer(boards, logger, admin.WithHealthProvider(sched)),
		limiter,
		logger,
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runHTTPServer(gCtx, cfg.Server.HTTPPort, handler, logger)
	})
	g.Go(func() error {
		return sched.Run(gCtx)
	})
	if fanout != nil {
		g.Go(func() error {
			return fanout.Run(gCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("pixelboard exited with error", "error", err)
		return err
	}
	logger.Info("pixelboard shut down gracefully")
	return nil
}

// buildPublisher wires one breaker-guarded endpoint per RPC URL, in the
// configured priority order, and one signing account per board.
func buildPublisher(cfg *config.Config, fees publisher.FeeLedger, logger *slog.Logger) (*publisher.Publisher, error) {
	endpoints := make([]publisher.Endpoint, 0, len(cfg.Chain.RPCURLs))
	for _, url := range cfg.Chain.RPCURLs {
		client := rpc.NewClient(url, cfg.RPCTimeout(), logger,
			rpc.WithRateLimit(cfg.Publish.RPCRateLimit, cfg.Publish.RPCRateLimitBurst),
		)
		endpoints = append(endpoints, publisher.NewEndpoint(client, cfg.Breaker.Failures, cfg.BreakerOpenTimeout()))
	}

	accounts, err := buildAccounts(cfg)
	if err != nil {
		return nil, err
	}

	store, err := contract.NewStore(cfg.Chain.ContractAddress, cfg.Chain.StoreKey)
	if err != nil {
		return nil, fmt.Errorf("storage contract: %w", err)
	}

	opts := []publisher.Option{
		publisher.WithGasLimit(cfg.Chain.GasLimit),
		publisher.WithConfirmTimeout(cfg.ConfirmTimeout()),
		publisher.WithProbeTimeout(cfg.ProbeTimeout()),
		publisher.WithPollInterval(cfg.ReceiptPollInterval()),
	}
	if cfg.Chain.ChainID > 0 {
		opts = append(opts, publisher.WithChainID(big.NewInt(cfg.Chain.ChainID)))
	}
	return publisher.New(endpoints, accounts, store, fees, logger, opts...)
}

func buildAccounts(cfg *config.Config) (map[model.BoardID]publisher.Account, error) {
	if len(cfg.Chain.PrivateKeys) != model.NumBoards || len(cfg.Chain.TokenIDs) != model.NumBoards {
		return nil, fmt.Errorf("need %d private keys and token ids", model.NumBoards)
	}
	accounts := make(map[model.BoardID]publisher.Account, model.NumBoards)
	for _, id := range model.AllBoards() {
		s, err := signer.FromHex(cfg.Chain.PrivateKeys[id])
		if err != nil {
			return nil, fmt.Errorf("board %d signing key: %w", id, err)
		}
		accounts[id] = publisher.Account{
			Signer:  s,
			TokenID: new(big.Int).SetUint64(cfg.Chain.TokenIDs[id]),
		}
	}
	return accounts, nil
}

func buildAlerter(cfg *config.Config, logger *slog.Logger) alert.Alerter {
	var alerters []alert.Alerter
	if cfg.Alert.SlackWebhookURL != "" {
		alerters = append(alerters, alert.NewSlackAlerter(cfg.Alert.SlackWebhookURL))
	}
	if cfg.Alert.WebhookURL != "" {
		alerters = append(alerters, alert.NewWebhookAlerter(cfg.Alert.WebhookURL))
	}
	if len(alerters) == 0 {
		return &alert.NoopAlerter{}
	}
	return alert.NewMultiAlerter(cfg.AlertCooldown(), logger, alerters...)
}

// newHTTPHandler mounts the webhook, the rate-limited admin API, the
// liveness probe and the prometheus endpoint on one mux.
func newHTTPHandler(ingestor *ingest.Ingestor, adminSrv *admin.Server, limiter *admin.RateLimitMiddleware, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/webhook", admin.AuditMiddleware(logger, ingestor.Handler()))
	mux.Handle("/admin/", limiter.Wrap(admin.AuditMiddleware(logger, adminSrv.Handler())))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func runHTTPServer(ctx context.Context, port int, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("http server shutdown error", "error", err)
		}
	}()

	logger.Info("http server started", "port", port)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
