package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sap-123iit/homevideorecord/internal/audit"
	"github.com/sap-123iit/homevideorecord/internal/capture"
	"github.com/sap-123iit/homevideorecord/internal/checkpoint"
	"github.com/sap-123iit/homevideorecord/internal/config"
	"github.com/sap-123iit/homevideorecord/internal/ledger"
	"github.com/sap-123iit/homevideorecord/internal/lifecycle"
	"github.com/sap-123iit/homevideorecord/internal/logging"
	"github.com/sap-123iit/homevideorecord/internal/metrics"
	"github.com/sap-123iit/homevideorecord/internal/publish"
	"github.com/sap-123iit/homevideorecord/internal/recorder"
	"github.com/sap-123iit/homevideorecord/internal/segment"
	"github.com/sap-123iit/homevideorecord/internal/source"
	"github.com/sap-123iit/homevideorecord/internal/storage"
	"github.com/sap-123iit/homevideorecord/internal/transcode"
	"github.com/sap-123iit/homevideorecord/internal/watcher"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

const appName = "homevideorecord"

// status is served on /status.
type status struct {
	Version  string               `json:"version"`
	Recorder recorder.Status      `json:"recorder"`
	Publish  *publish.CycleResult `json:"publish,omitempty"`
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("[main] Home Video Record %s (%s)", Version, GitSHA)

	cfg := config.MustLoad()
	logging.Setup(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level})
	if cfg.Metrics.Enabled {
		metrics.Init(appName)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Printf("[shutdown] received signal: %v", sig)
		cancel()
	}()

	log.Printf("[main] %d source(s), grid %dx%d, %s segments in %s",
		len(cfg.Capture.Sources), cfg.Capture.GridCols, cfg.Capture.GridRows,
		cfg.Segment.Duration, cfg.Segment.OutputDir)
	for i, addr := range cfg.Capture.Sources {
		log.Printf("[main] source %d: %s", i, source.Redact(addr))
	}

	naming := segment.NewNaming(cfg.Segment.Prefix, cfg.Segment.Ext)
	recorded := ledger.Open(cfg.RecordedLedgerPath())
	uploaded := ledger.Open(cfg.UploadedLedgerPath())

	// Segment lifecycle
	controller := lifecycle.New(lifecycle.Config{
		Dir:       cfg.Segment.OutputDir,
		Naming:    naming,
		Duration:  cfg.Segment.Duration,
		RawPolicy: lifecycle.RawPolicy(cfg.Segment.RawPolicy),
	}, transcode.FFmpeg{
		Path:   cfg.Capture.FFmpegPath,
		Codec:  cfg.Compress.Codec,
		CRF:    cfg.Compress.CRF,
		Preset: cfg.Compress.Preset,
	}, recorded, logging.Component("lifecycle"))

	removed, err := controller.Recover()
	if err != nil {
		log.Fatalf("[main] failed to prepare output directory: %v", err)
	}
	if removed > 0 {
		log.Printf("[main] removed %d in-progress file(s) from a previous run", removed)
	}

	// Storage backend
	producer := storage.ProducerInfo{Name: appName, Version: Version, GitSHA: GitSHA}
	store, err := storage.NewObjectStore(ctx, storage.Config{
		Backend:    cfg.Storage.Backend,
		LocalDir:   cfg.Storage.LocalDir,
		Bucket:     cfg.Storage.Bucket,
		S3Endpoint: cfg.Storage.S3Endpoint,
		S3Region:   cfg.Storage.S3Region,
		Prefix:     cfg.Storage.Prefix,
		Manifests:  cfg.Publish.WriteManifests,
		Producer:   producer,
	})
	if err != nil {
		log.Fatalf("[main] failed to create storage: %v", err)
	}
	defer store.Close()
	log.Printf("[main] publishing to %s", store.URI(cfg.Publish.RemoteRootKey))

	checkpoints, err := checkpoint.NewManager(checkpoint.Config{
		Enabled: cfg.Checkpoint.Enabled,
		Dir:     cfg.Checkpoint.Dir,
	})
	if err != nil {
		log.Fatalf("[main] failed to create checkpoint manager: %v", err)
	}

	if cfg.Audit.Enabled {
		n, err := audit.VerifyTrail(cfg.Audit.Dir, cfg.Publish.RemoteRootKey)
		if err != nil {
			log.Printf("[main] WARNING: audit trail for %s failed verification: %v", cfg.Publish.RemoteRootKey, err)
		} else {
			log.Printf("[main] audit trail for %s verified (%d events)", cfg.Publish.RemoteRootKey, n)
		}
	}
	emitter := audit.NewEmitter(audit.Config{
		Enabled:  cfg.Audit.Enabled,
		Dir:      cfg.Audit.Dir,
		Endpoint: cfg.Audit.Endpoint,
		Producer: audit.ProducerInfo{Name: appName, Version: Version, GitSHA: GitSHA},
	})
	defer emitter.Close()

	hostname, _ := os.Hostname()
	worker, err := publish.New(publish.Config{
		Dir:             cfg.Segment.OutputDir,
		Naming:          naming,
		RootKey:         cfg.Publish.RemoteRootKey,
		MinSegmentBytes: cfg.MinSegmentBytes(),
		MaxAttempts:     cfg.Publish.MaxAttempts,
		RetryDelay:      cfg.Publish.RetryDelay,
		Interval:        cfg.Publish.Interval,
		WorkerID:        hostname,
	}, publish.Deps{
		Store:       store,
		Recorded:    recorded,
		Uploaded:    uploaded,
		Checkpoints: checkpoints,
		Audit:       emitter,
		Logger:      logging.Component("publish"),
	})
	if err != nil {
		log.Fatalf("[main] failed to create publish worker: %v", err)
	}

	// Recorder
	opener := source.NewFFmpegOpener(source.FFmpegConfig{
		FFmpegPath:  cfg.Capture.FFmpegPath,
		FFprobePath: cfg.Capture.FFprobePath,
		ReadTimeout: cfg.Capture.ReadTimeout,
	}, logging.Component("source"))
	sup, err := recorder.New(recorder.Config{
		Sources: cfg.Capture.Sources,
		Grid: capture.Grid{
			Cols:       cfg.Capture.GridCols,
			Rows:       cfg.Capture.GridRows,
			TileWidth:  cfg.Capture.TileWidth,
			TileHeight: cfg.Capture.TileHeight,
		},
		FPSCap:       cfg.Capture.FPSCap,
		ErrorWait:    cfg.Supervisor.ErrorWait,
		MaxErrorWait: cfg.Supervisor.MaxErrorWait,
		KeepWarm:     cfg.Supervisor.KeepWarm,
	}, opener, capture.FFmpegSinkOpener{FFmpegPath: cfg.Capture.FFmpegPath},
		controller, nil, logging.Component("recorder"))
	if err != nil {
		log.Fatalf("[main] failed to create recorder: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sup.Run(gctx)
	})

	var triggers <-chan struct{}
	if cfg.Publish.WatchLedger {
		w := watcher.New(cfg.RecordedLedgerPath(), watcher.DefaultDebounce, logging.Component("watcher"))
		triggers = w.Triggers()
		g.Go(func() error {
			if err := w.Run(gctx); err != nil {
				// Interval-driven publishing continues without the watcher.
				slog.Warn("ledger watcher stopped", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		return worker.Run(gctx, triggers)
	})

	if cfg.Metrics.Enabled {
		g.Go(func() error {
			log.Printf("[main] metrics listening on %s", cfg.Metrics.Address)
			err := metrics.StartServer(gctx, cfg.Metrics.Address, func() any {
				s := status{Version: Version, Recorder: sup.Tracker().Snapshot()}
				if last, ok := worker.LastResult(); ok {
					s.Publish = &last
				}
				return s
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[main] metrics server failed: %v", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			log.Printf("[main] shutdown complete")
		} else {
			log.Fatalf("[main] recorder failed: %v", err)
		}
	}

	log.Println("[main] home video record stopped cleanly")
	time.Sleep(100 * time.Millisecond)
}
