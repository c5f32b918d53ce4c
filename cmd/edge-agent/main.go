package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/edge-agent/agent/internal/aiclient"
	"github.com/edge-agent/agent/internal/aiengine"
	"github.com/edge-agent/agent/internal/aiproto"
	"github.com/edge-agent/agent/internal/archive"
	"github.com/edge-agent/agent/internal/archive/providers"
	"github.com/edge-agent/agent/internal/bus"
	"github.com/edge-agent/agent/internal/camerahub"
	"github.com/edge-agent/agent/internal/capture"
	"github.com/edge-agent/agent/internal/config"
	"github.com/edge-agent/agent/internal/director"
	"github.com/edge-agent/agent/internal/fsm"
	"github.com/edge-agent/agent/internal/health"
	"github.com/edge-agent/agent/internal/logging"
	"github.com/edge-agent/agent/internal/metrics"
	"github.com/edge-agent/agent/internal/publisher"
	"github.com/edge-agent/agent/internal/sessionledger"
	"github.com/edge-agent/agent/internal/sessionstore"
	"github.com/edge-agent/agent/internal/statusapi"
	"github.com/edge-agent/agent/internal/supervisor"
	"github.com/edge-agent/agent/internal/workerpool"
	"github.com/edge-agent/agent/pkg/model"
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "edge-agent",
	Short: "Edge Agent",
	Long:  `Edge Agent - on-device video analytics pipeline: capture, inference, session recording, and archival.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent",
	Run: func(cmd *cobra.Command, args []string) {
		runAgent()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Edge Agent v%s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check agent status via its local status endpoint",
	Run: func(cmd *cobra.Command, args []string) {
		checkStatus()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/edge-agent/edge-agent.yaml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initLogging sets up structured logging from config. Call after config.Load().
// Returns the rotating log file writer, or nil if logging to stdout only, so
// callers can rebind it to a SIGHUP handler for external log-rotation tools.
func initLogging(cfg *config.Config) *logging.RotatingWriter {
	var output io.Writer = os.Stdout
	var rw *logging.RotatingWriter
	logFileFallback := false

	if cfg.LogFile != "" {
		var err error
		rw, err = logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v (logging to stdout)\n", cfg.LogFile, err)
			logFileFallback = true
			rw = nil
		} else {
			output = logging.TeeWriter(os.Stdout, rw)
		}
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
	log = logging.L("main")

	if logFileFallback {
		log.Warn("log file fallback active, logging to stdout only", "requestedFile", cfg.LogFile)
	}
	return rw
}

// pipeline bundles every long-running component runAgent constructs, so
// controller start/stop (and the final shutdown) can address them as a
// group without runAgent itself tracking each field.
type pipeline struct {
	sup      *supervisor.Supervisor
	hub      *camerahub.Hub
	reader   *capture.Reader
	aiClient *aiclient.Client
	engine   *aiengine.Engine
	live     *publisher.Publisher
	record   *publisher.Publisher

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// Start implements statusapi.Controller: launches the camera hub, frame
// reader, AI client, and AI engine. Publishers are started later by the
// Session FSM on dwell, not here.
func (p *pipeline) Start(ctx context.Context) error {
	if err := p.hub.Start(p.ctx); err != nil {
		return fmt.Errorf("camera hub start: %w", err)
	}
	if err := p.reader.Start(p.ctx); err != nil {
		return fmt.Errorf("frame reader start: %w", err)
	}

	group, groupCtx := errgroup.WithContext(p.ctx)
	group.Go(func() error {
		p.aiClient.Run(groupCtx)
		return nil
	})
	p.group = group

	p.engine.Start()
	return nil
}

// Stop implements statusapi.Controller: requests an ordered shutdown of
// every component, then waits for the background goroutines launched in
// Start to actually exit.
func (p *pipeline) Stop(ctx context.Context) error {
	p.live.Stop(2 * time.Second)
	p.record.Stop(2 * time.Second)
	p.engine.Stop()
	p.aiClient.Shutdown()
	p.reader.Stop(2 * time.Second)
	p.hub.Stop(2 * time.Second)
	if p.group != nil {
		_ = p.group.Wait()
	}
	return nil
}

func runAgent() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logWriter := initLogging(cfg)
	log.Info("starting edge agent", "version", version, "device_id", cfg.DeviceID)

	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.1))))
	otel.SetTracerProvider(tp)
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := bus.New()
	sup := supervisor.New()
	statusStore := statusapi.NewStore()
	healthMon := statusStore.HealthMonitor()

	hub := camerahub.New(camerahub.Config{
		Command:    "camera-hub",
		Args:       []string{"--socket", cfg.ShmSocketPath, "--width", itoa(cfg.SourceWidth), "--height", itoa(cfg.SourceHeight), "--fps", itoa(cfg.SourceFPS), "--source", cfg.SourceURL},
		SocketPath: cfg.ShmSocketPath,
		FPS:        cfg.SourceFPS,
		Width:      cfg.SourceWidth,
		Height:     cfg.SourceHeight,
		OnHealth: func(status health.Status, message string) {
			healthMon.Update("camera_hub", status, message)
		},
	}, sup)

	filter := aiengine.NewFilter(float32(cfg.AIConfidenceThreshold), cfg.AIClassesFilter)

	var aiClient *aiclient.Client
	var engine *aiengine.Engine
	var dir *director.Director

	reader := capture.New(capture.Config{
		Command:    "frame-reader",
		Args:       []string{"--socket", cfg.ShmSocketPath, "--fps", "{fps}"},
		SocketPath: cfg.ShmSocketPath,
		Width:      cfg.SourceWidth,
		Height:     cfg.SourceHeight,
		PixFmt:     model.PixFmtRGB,
		IdleFPS:    cfg.AIIdleFPS,
		ActiveFPS:  cfg.AIActiveFPS,
		OnHealth: func(status health.Status, message string) {
			healthMon.Update("frame_reader", status, message)
		},
	}, sup, func(f model.Frame) {
		engine.HandleFrame(f)
		dir.HandleFrame(f)
	})

	aiClient = aiclient.New(fmt.Sprintf("%s:%d", cfg.AIWorkerHost, cfg.AIWorkerPort), aiproto.Init{
		ModelPath:           cfg.AIModelPath,
		Width:               uint32(cfg.SourceWidth),
		Height:              uint32(cfg.SourceHeight),
		ConfidenceThreshold: float32(cfg.AIConfidenceThreshold),
		ClassesFilter:       cfg.AIClassesFilter,
	}, aiclient.Callbacks{
		OnResult: func(r model.Result) { engine.HandleResult(r) },
		OnError: func(err error) {
			log.Warn("ai client error", "error", err)
			healthMon.Update("ai_worker", health.Degraded, err.Error())
		},
	})

	engine = aiengine.New(filter, aiClient, eventBus)

	live := publisher.New(publisher.Config{
		Command: "rtsp-publisher",
		Args:    []string{"--socket", cfg.ShmSocketPath, "--target", fmt.Sprintf("rtsp://%s:%d/%s", cfg.RelayHost, cfg.RelayPort, cfg.RelayLivePath)},
		Path:    cfg.RelayLivePath,
		OnHealth: func(status health.Status, message string) {
			healthMon.Update("publisher_live", status, message)
		},
	}, sup)
	record := publisher.New(publisher.Config{
		Command: "rtsp-publisher",
		Args:    []string{"--socket", cfg.ShmSocketPath, "--target", fmt.Sprintf("rtsp://%s:%d/%s", cfg.RelayHost, cfg.RelayPort, cfg.RelayRecordPath)},
		Path:    cfg.RelayRecordPath,
		OnHealth: func(status health.Status, message string) {
			healthMon.Update("publisher_record", status, message)
		},
	}, sup)

	store := sessionstore.New(cfg.StoreBaseURL)

	ledger, err := sessionledger.Open(cfg.LedgerPath, cfg.LedgerRetain)
	if err != nil {
		log.Error("session ledger open failed, continuing without diagnostic history", "error", err)
		ledger = nil
	}
	if ledger != nil {
		defer ledger.Close()
	}

	var archiver *archive.Archiver
	var archivePool *workerpool.Pool
	if cfg.ArchiveEnabled {
		if provider, err := buildArchiveProvider(ctx, cfg); err != nil {
			log.Error("archive provider init failed, archiving disabled", "provider", cfg.ArchiveProvider, "error", err)
		} else {
			archivePool = newArchivePool()
			archiver = archive.New(provider, archivePool)
		}
	}

	dir = director.New(ctx, director.Config{
		DeviceID:   cfg.DeviceID,
		StreamPath: cfg.RelayRecordPath,
		Capture:    reader,
		Publishers: []*publisher.Publisher{live, record},
		Store:      store,
		Ledger:     ledger,
		Archiver:   archiver,
		Status:     statusStore,
	})

	fsmCfg := fsm.Config{
		Dwell:    time.Duration(cfg.FSMDwellMs) * time.Millisecond,
		Silence:  time.Duration(cfg.FSMSilenceMs) * time.Millisecond,
		PostRoll: time.Duration(cfg.FSMPostRollMs) * time.Millisecond,
	}
	machine := fsm.New(fsmCfg, dir, nil)

	eventBus.Subscribe(aiengine.TopicDetection, func(topic string, event any) {
		dir.OnDetection(topic, event)
		if ev, ok := event.(aiengine.DetectionEvent); ok {
			if ev.Relevant {
				machine.HandleEvent(fsm.EventDetectionRelevant)
			} else {
				machine.HandleEvent(fsm.EventDetectionIrrelevant)
			}
		}
	})
	eventBus.Subscribe(aiengine.TopicKeepalive, func(topic string, event any) {
		dir.OnKeepalive(topic, event)
		machine.HandleEvent(fsm.EventKeepalive)
	})

	classWatcher := config.NewClassFilterWatcher(cfg.AIClassesFilter, func(classes []string) {
		filter.SetClasses(classes)
		statusStore.SetOverrides(classes)
	})
	_ = classWatcher

	reg := prometheus.NewRegistry()
	metricsReg := metrics.New(reg)
	sampler := metrics.NewSampler(metricsReg, engine, eventBus, 2*time.Second)
	if archivePool != nil {
		sampler.WithArchiveDrop(archivePool)
	}
	go sampler.Run(ctx)
	procSampler := metrics.NewProcSampler(metricsReg, sup, 5*time.Second)
	go procSampler.Run(ctx)

	pl := &pipeline{
		sup:      sup,
		hub:      hub,
		reader:   reader,
		aiClient: aiClient,
		engine:   engine,
		live:     live,
		record:   record,
		ctx:      ctx,
		cancel:   cancel,
	}

	var ledgerLister statusapi.RecentSessionsLister
	if ledger != nil {
		ledgerLister = ledger
	}
	statusSrv := statusapi.New(statusStore, pl, filter, config.KnownClasses(), ledgerLister)

	statusMux := http.NewServeMux()
	statusMux.Handle("/", otelhttp.NewHandler(statusSrv.Router(), "status-api"))
	statusMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.StatusPort),
		Handler: statusMux,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("status server failed", "error", err)
		}
	}()

	if err := pl.Start(ctx); err != nil {
		log.Error("pipeline start failed", "error", err)
		os.Exit(2)
	}
	statusStore.SetManagerState(statusapi.ManagerRunning)

	log.Info("edge agent is running", "status_port", cfg.StatusPort)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			if logWriter != nil {
				if err := logWriter.Reopen(); err != nil {
					log.Error("log reopen failed", "error", err)
				} else {
					log.Info("log file reopened on SIGHUP")
				}
			}
			continue
		}
		break
	}

	log.Info("shutting down edge agent")
	statusStore.SetManagerState(statusapi.ManagerStopping)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	if err := pl.Stop(shutdownCtx); err != nil {
		log.Error("pipeline stop failed", "error", err)
	}
	statusStore.SetManagerState(statusapi.ManagerIdle)
	cancel()

	log.Info("edge agent stopped")
}

func newArchivePool() *workerpool.Pool {
	return workerpool.New(4, 64)
}

func buildArchiveProvider(ctx context.Context, cfg *config.Config) (archive.Provider, error) {
	switch strings.ToLower(cfg.ArchiveProvider) {
	case "local":
		return providers.NewLocal(cfg.ArchiveLocalPath), nil
	case "s3":
		return providers.NewS3(ctx, cfg.ArchiveBucket, cfg.ArchiveRegion)
	case "gcs":
		return providers.NewGCS(ctx, cfg.ArchiveBucket)
	case "azblob":
		return providers.NewAzureBlob(cfg.ArchiveAccountURL, cfg.ArchiveBucket)
	case "b2":
		return providers.NewB2(ctx, cfg.ArchiveB2KeyID, cfg.ArchiveB2AppKey, cfg.ArchiveBucket)
	default:
		return nil, fmt.Errorf("unrecognized archive provider %q", cfg.ArchiveProvider)
	}
}

func checkStatus() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Println("status: not configured")
		return
	}

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/status", cfg.StatusPort))
	if err != nil {
		fmt.Printf("status: unreachable (%v)\n", err)
		return
	}
	defer resp.Body.Close()
	fmt.Printf("status endpoint responded with %s\n", resp.Status)
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}
