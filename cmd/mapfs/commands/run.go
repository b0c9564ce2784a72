package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mapfs/mapfs/internal/logger"
	"github.com/mapfs/mapfs/pkg/blockio"
	"github.com/mapfs/mapfs/pkg/blockio/badgerdev"
	"github.com/mapfs/mapfs/pkg/blockio/memdev"
	"github.com/mapfs/mapfs/pkg/buffered"
	"github.com/mapfs/mapfs/pkg/config"
	"github.com/mapfs/mapfs/pkg/flusher"
	"github.com/mapfs/mapfs/pkg/metrics"
	metricsprom "github.com/mapfs/mapfs/pkg/metrics/prometheus"
	"github.com/mapfs/mapfs/pkg/pagecache"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the mapfs daemon",
	Long: `Run the mapfs daemon in the foreground.

The daemon opens the configured sector device, builds the page cache and
buffered I/O engine over it, and starts the background flusher. It runs
until interrupted.

Examples:
  # Run with default config location
  mapfs run

  # Run with custom config
  mapfs run --config /etc/mapfs/config.yaml

  # Override settings from the environment
  MAPFS_LOGGING_LEVEL=DEBUG mapfs run`,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("Starting mapfs", "version", Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics are opt-in; the engine takes the no-op sink otherwise.
	engineMetrics := metrics.EngineMetrics(metrics.NopEngineMetrics{})
	cacheMetrics := metrics.CacheMetrics(metrics.NopCacheMetrics{})
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		if m := metricsprom.NewEngineMetrics(); m != nil {
			engineMetrics = m
		}
		if m := metricsprom.NewCacheMetrics(); m != nil {
			cacheMetrics = m
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.ListenAddress, Handler: mux}
		go func() {
			logger.Info("Metrics server listening", "address", cfg.Metrics.ListenAddress)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	dev, err := openDevice(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := dev.Close(); err != nil {
			logger.Error("Device close failed", "error", err)
		}
	}()

	cache := pagecache.New(pagecache.Config{
		PageSize: int(cfg.Cache.PageSize.Uint64()),
		MaxPages: int64(cfg.Cache.MaxSize.Uint64() / cfg.Cache.PageSize.Uint64()),
		Metrics:  cacheMetrics,
	})
	engine := buffered.New(cache, buffered.WithMetrics(engineMetrics))

	fl := flusher.New(engine, flusher.Config{
		Interval:  cfg.Flusher.Interval,
		QueueSize: cfg.Flusher.QueueSize,
		Workers:   cfg.Flusher.Workers,
	})
	fl.Start(ctx)

	logger.Info("mapfs ready",
		"device", cfg.Device.Type,
		"device_size", cfg.Device.Size.String(),
		"page_size", cfg.Cache.PageSize.String(),
		"block_size", cfg.Cache.BlockSize.String())

	// Block until interrupted.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", "signal", sig.String())

	fl.Stop(cfg.ShutdownTimeout)

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown failed", "error", err)
		}
	}

	logger.Info("mapfs stopped")
	return nil
}

// openDevice builds the configured sector device.
func openDevice(cfg *config.Config) (blockio.Device, error) {
	sectors := int64(cfg.Device.Size.Uint64()) / blockio.SectorSize

	switch cfg.Device.Type {
	case "memory":
		return memdev.New(sectors), nil
	case "badger":
		dev, err := badgerdev.Open(cfg.Device.Path, sectors)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger device at %s: %w", cfg.Device.Path, err)
		}
		return dev, nil
	default:
		return nil, fmt.Errorf("unknown device type %q", cfg.Device.Type)
	}
}
