package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/hazardsync/internal/api"
	"github.com/psantana5/hazardsync/internal/cleanup"
	"github.com/psantana5/hazardsync/internal/config"
	"github.com/psantana5/hazardsync/internal/orchestrator"
	"github.com/psantana5/hazardsync/internal/report"
	"github.com/psantana5/hazardsync/internal/tasks"
	"github.com/psantana5/hazardsync/pkg/logging"
	"github.com/psantana5/hazardsync/pkg/ratelimit"
	"github.com/psantana5/hazardsync/pkg/shutdown"
	"github.com/psantana5/hazardsync/pkg/tlsutil"
)

var (
	serveAddr  string
	serveEvery time.Duration
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve run status and history over HTTP",
	Long: `Run a long-lived server exposing run status, history, recent failures and
Prometheus metrics. Runs can be triggered with POST /runs or scheduled with
--every. Old run directories are pruned in the background according to the
retention settings.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	serveCmd.Flags().DurationVar(&serveEvery, "every", 0, "start a run on this interval (0 disables)")
}

// scheduler starts runs in the background, one at a time
type scheduler struct {
	cfg  *config.Config
	orch *orchestrator.Orchestrator
	log  *logging.Logger
	ctx  context.Context
	wg   sync.WaitGroup

	mu   sync.Mutex
	busy bool
}

// Trigger builds the configured tasks and starts a run. Task configuration
// errors are reported to the caller; run failures only reach the log.
func (s *scheduler) Trigger() error {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return orchestrator.ErrRunInProgress
	}
	built, err := tasks.NewRegistry(tasks.Deps{}).Build(s.cfg.Tasks)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.busy = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.busy = false
			s.mu.Unlock()
		}()
		summary, err := s.orch.Run(s.ctx, built)
		if err != nil {
			s.log.Error(fmt.Sprintf("Run failed to start: %v", err))
			return
		}
		s.log.Info(summary.Line())
	}()
	return nil
}

// activeLabel is the label of the run in progress, if any
func (s *scheduler) activeLabel() string {
	label, _, running := s.orch.Status()
	if !running {
		return ""
	}
	return label
}

func (s *scheduler) every(interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				if err := s.Trigger(); err != nil && !errors.Is(err, orchestrator.ErrRunInProgress) {
					s.log.Error(fmt.Sprintf("Scheduled run not started: %v", err))
				}
			}
		}
	}()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)
	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}

	// Fail fast on bad task configuration rather than on the first trigger
	if _, err := tasks.NewRegistry(tasks.Deps{}).Build(cfg.Tasks); err != nil {
		return err
	}

	sd := shutdown.New(30*time.Second, log)
	ctx, cancel := sd.Context(context.Background())
	defer cancel()

	tracer, err := initTracing(cfg)
	if err != nil {
		return err
	}
	sd.Register("tracing", tracer.Shutdown)

	metrics := report.NewMetrics()
	deps := orchestrator.Deps{Tracer: tracer, Metrics: metrics}
	store, err := openHistory(cfg)
	if err != nil {
		log.Warn(fmt.Sprintf("Run history unavailable: %v", err))
		store = nil
	} else {
		deps.History = store
		sd.Register("history", shutdown.CloseResource(store))
	}

	orch, err := newOrchestrator(cfg, deps, "", "")
	if err != nil {
		return err
	}
	sched := &scheduler{cfg: cfg, orch: orch, log: log, ctx: ctx}
	sd.Register("runs", func(context.Context) error {
		sched.wg.Wait()
		return nil
	})

	retention := cleanup.NewManager(retentionConfig(cfg), cfg.BaseDir, store, log)
	retention.SetActive(sched.activeLabel)
	retention.Start()
	sd.Register("retention", func(context.Context) error {
		retention.Stop()
		return nil
	})

	var limiter *ratelimit.Limiter
	if cfg.Server.RateLimit > 0 {
		limiter = ratelimit.NewLimiter(cfg.Server.RateLimit, cfg.Server.Burst)
		go pruneLimiters(ctx, limiter, log)
	}

	handler := api.NewHandler(orch, store, metrics, sched.Trigger, log)
	opts := api.ServerOptions{
		Addr:       addr,
		APIKeyHash: cfg.Server.APIKeyHash,
		Limiter:    limiter,
		Tracer:     tracer,
	}
	if cfg.Server.TLSCert != "" {
		if opts.TLS, err = tlsutil.ServerConfig(cfg.Server.TLSCert, cfg.Server.TLSKey, cfg.Server.ClientCA); err != nil {
			return err
		}
	}
	server := api.NewServer(opts, api.NewRouter(handler, opts))
	sd.Register("http", shutdown.StopHTTPServer(server))

	if cfg.Server.APIKeyHash == "" {
		log.Warn("API authentication disabled: server.api_key_hash is empty")
	}
	if serveEvery > 0 {
		log.Info(fmt.Sprintf("Scheduling a run every %v", serveEvery))
		sched.every(serveEvery)
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if opts.TLS != nil {
			log.Info(fmt.Sprintf("Listening on %s (TLS)", addr))
			// certificates are already loaded into TLSConfig
			err = server.ListenAndServeTLS("", "")
		} else {
			log.Info(fmt.Sprintf("Listening on %s", addr))
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
		log.Error(fmt.Sprintf("Server failed: %v", err))
	}
	cancel()

	if failed := sd.Shutdown(); failed > 0 {
		return fmt.Errorf("%d component(s) failed to shut down cleanly", failed)
	}
	log.Info("Server stopped")
	return err
}

// pruneLimiters drops per-client limiters idle for an hour
func pruneLimiters(ctx context.Context, limiter *ratelimit.Limiter, log *logging.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := limiter.CleanupOldLimiters(time.Hour); n > 0 {
				log.Debug(fmt.Sprintf("Dropped %d idle rate limiter(s)", n))
			}
		}
	}
}
