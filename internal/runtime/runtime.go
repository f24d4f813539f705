// Package runtime wires the pipeline together and serves the HTTP API.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/narravox/narravox-core/internal/assembler"
	"github.com/narravox/narravox-core/internal/audio"
	"github.com/narravox/narravox-core/internal/bus"
	"github.com/narravox/narravox-core/internal/checkpoint"
	"github.com/narravox/narravox-core/internal/config"
	"github.com/narravox/narravox-core/internal/natsserver"
	"github.com/narravox/narravox-core/internal/previewcache"
	"github.com/narravox/narravox-core/internal/scheduler"
	"github.com/narravox/narravox-core/internal/segmenter"
	"github.com/narravox/narravox-core/internal/synth"
	"github.com/narravox/narravox-core/internal/voice"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error

	store     *checkpoint.Store
	seg       *segmenter.Segmenter
	preview   *previewcache.Cache
	voices    *voice.Manager
	sched     *scheduler.Scheduler
	assembler *assembler.Assembler
	busClient *bus.Client
	natsSrv   *natsserver.EmbeddedServer

	mu      sync.Mutex
	outputs map[string][]assembler.Output

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		outputs: make(map[string][]assembler.Output),
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if r.cfg.Bus.Enabled {
		r.natsSrv, err = natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded bus: %w", err)
		}
		r.busClient, err = bus.Connect(ctx, r.cfg.Bus, r.logger)
		if err != nil {
			r.natsSrv.Shutdown()
			return fmt.Errorf("connect to bus: %w", err)
		}
	}

	r.store, err = checkpoint.Open(ctx, r.cfg.Checkpoint, r.logger)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}

	engine, err := synth.New(r.cfg.Synthesis)
	if err != nil {
		return fmt.Errorf("build synthesis engine: %w", err)
	}

	encoder, err := audio.NewEncoder(
		r.cfg.Synthesis.SampleRate,
		r.cfg.Synthesis.Channels,
		r.cfg.Output.MP3Bitrate,
		r.cfg.Output.FFmpegCommand,
	)
	if err != nil {
		return fmt.Errorf("build audio encoder: %w", err)
	}

	r.seg = segmenter.New(r.cfg.Segmenter, r.logger)
	r.preview = previewcache.New(r.cfg.PreviewCache, r.logger)
	r.voices = voice.NewManager(r.cfg.Voice, r.logger)
	r.assembler = assembler.New(r.cfg.Output, encoder, r.logger)

	var pub scheduler.Publisher
	if r.busClient != nil {
		pub = r.busClient
	}
	r.sched = scheduler.New(r.cfg.Scheduler, r.cfg.Output.SegmentDir, r.store, engine, pub, r.logger)
	r.sched.OnComplete = r.assembleJob
	r.sched.Start(ctx)

	if err := r.sched.Resume(ctx); err != nil {
		r.logger.Warn("resume interrupted jobs failed", slog.String("error", err.Error()))
	}

	r.wg.Add(1)
	go r.maintenanceLoop(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
	}
	r.registerAPI(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.sched.Close()
	if err := r.store.Close(); err != nil {
		r.logger.Error("checkpoint close error", slog.String("error", err.Error()))
	}
	r.busClient.Close()
	r.natsSrv.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// maintenanceLoop evicts idle preview entries and prunes retired jobs past
// the retention window. Both also run on their own triggers; this keeps a
// quiet daemon from accumulating stale state.
func (r *Runtime) maintenanceLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(15 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.preview.PurgeExpired(); n > 0 {
				r.logger.Debug("purged expired preview entries", slog.Int("count", n))
			}
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("job prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// assembleJob renders output files once the scheduler reports a job done.
func (r *Runtime) assembleJob(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	st, err := r.store.LoadJobState(ctx, jobID)
	if err != nil {
		r.logger.Error("load finished job failed",
			slog.String("job_id", jobID), slog.String("error", err.Error()))
		return
	}
	outputs, err := r.assembler.Assemble(ctx, st, "")
	if err != nil {
		r.logger.Error("assemble failed",
			slog.String("job_id", jobID), slog.String("error", err.Error()))
		return
	}

	r.mu.Lock()
	r.outputs[jobID] = outputs
	r.mu.Unlock()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.busClient == nil || r.busClient.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
