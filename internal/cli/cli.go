// ============================================================================
// Archive Deposit CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the deposit daemon and its operator tools
//
// Command Structure:
//   deposit                        # Root command
//   ├── run                        # Start controller, queue and admin server
//   ├── status                     # Summarise the last snapshot
//   ├── queue [show|pause|resume|limit]  # Talk to a running daemon's admin API
//   ├── recover <uid>              # Recover a FAILED depositable
//   ├── history [uid]              # Replay the state-change journal
//   ├── validate <catalogue>       # Run the catalogue import in validation mode
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// Offline commands (status, history, recover without --remote) read the state
// directory directly. recover rewrites the snapshot and must not run while a
// daemon owns the same state directory; use --remote instead.
//
// Signal Handling:
//   run stops on SIGINT / SIGTERM:
//   1. gRPC health reports NOT_SERVING
//   2. Controller loops stop, buffered events reach the journal
//   3. Final snapshot, journal closed
//   4. Admin server shut down
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/ChuLiYu/archive-deposit/internal/archive"
	"github.com/ChuLiYu/archive-deposit/internal/config"
	"github.com/ChuLiYu/archive-deposit/internal/controller"
	"github.com/ChuLiYu/archive-deposit/internal/deposit"
	"github.com/ChuLiYu/archive-deposit/internal/indexing"
	"github.com/ChuLiYu/archive-deposit/internal/jobmanager"
	"github.com/ChuLiYu/archive-deposit/internal/jobmanager/cluster"
	"github.com/ChuLiYu/archive-deposit/internal/jobmanager/kube"
	"github.com/ChuLiYu/archive-deposit/internal/metrics"
	"github.com/ChuLiYu/archive-deposit/internal/server"
	"github.com/ChuLiYu/archive-deposit/internal/throttle"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "deposit",
		Short: "Archive deposit: drives observations and level 7 collections into the archive",
		Long: `deposit progresses every registered observation and level 7 collection
through its deposit lifecycle:
- external tools run as local processes, cluster jobs or Kubernetes Jobs
- per job type throttling with pause/resume
- journal + snapshot based restart recovery
- Prometheus metrics and an admin API`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildQueueCommand())
	rootCmd.AddCommand(buildRecoverCommand())
	rootCmd.AddCommand(buildHistoryCommand())
	rootCmd.AddCommand(buildValidateCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var manifest string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the deposit controller",
		Long:  "Restore state, load the manifest and progress every depositable until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if manifest != "" {
				cfg.Controller.Manifest = manifest
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&manifest, "manifest", "m", "", "depositable manifest to load on start (overrides controller.manifest)")
	return cmd
}

// runDaemon 啟動完整系統，直到 ctx 結束
func runDaemon(ctx context.Context, cfg *config.Config) error {
	var reg prometheus.Registerer
	if cfg.Metrics.Enabled {
		reg = prometheus.DefaultRegisterer
	}
	st, err := newStack(cfg, reg, false)
	if err != nil {
		return err
	}
	defer st.close()

	if cfg.Throttle.StartPaused && st.queue != nil {
		if err := st.ctrl.SetQueuePaused(true); err != nil {
			return err
		}
	}
	if cfg.Controller.Manifest != "" {
		n, err := st.ctrl.LoadManifest(cfg.Controller.Manifest)
		if err != nil {
			return fmt.Errorf("failed to load manifest: %w", err)
		}
		slog.Info("Manifest registered", "path", cfg.Controller.Manifest, "added", n)
	}

	if err := st.ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	var srv *server.Server
	srvDone := make(chan error, 1)
	if cfg.Server.Enabled {
		srvCtx, cancelSrv := context.WithCancel(context.Background())
		defer cancelSrv()
		srv = server.New(st.ctrl, st.metrics)
		srv.SetServing(true)
		go func() { srvDone <- srv.Serve(srvCtx, cfg.Server.Addr, cfg.Server.GRPCAddr) }()
		defer func() {
			cancelSrv()
			if err := <-srvDone; err != nil {
				slog.Error("Admin server error", "error", err)
			}
		}()
	}

	slog.Info("System started successfully",
		"backend", cfg.JobManager.Backend,
		"state_dir", cfg.Paths.StateDir)

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal, stopping gracefully...")
	case runErr = <-srvDone:
		// 管理伺服器無法啟動時一併停止
		srvDone <- nil
		slog.Error("Admin server failed", "error", runErr)
	}

	if srv != nil {
		srv.SetServing(false)
	}
	st.ctrl.Stop()
	slog.Info("System stopped. Goodbye!")
	return runErr
}

// ============================================================================
// 組件組裝
// ============================================================================

type stack struct {
	local   *jobmanager.Local
	queue   *throttle.Queue
	factory *deposit.Factory
	metrics *metrics.Collector
	ctrl    *controller.Controller
}

// newStack 依配置組裝 job manager、節流佇列、工廠與 controller
//
// offline 時以同步管理器取代配置的後端（離線命令不提交任務）
func newStack(cfg *config.Config, reg prometheus.Registerer, offline bool) (*stack, error) {
	st := &stack{}

	var inner jobmanager.Manager
	if offline {
		inner = jobmanager.NewInline(nil)
	} else {
		m, local, err := newJobManager(cfg)
		if err != nil {
			return nil, err
		}
		inner, st.local = m, local
	}
	st.queue = throttle.New(inner, cfg.ThrottleConfig())

	fc := deposit.FactoryConfig{
		Jobs:        st.queue,
		Builder:     cfg.Builder(),
		Paths:       cfg.DepositPaths(),
		Volumes:     cfg.DepositVolumes(),
		AutoAdvance: cfg.Tools.AutoAdvance,
	}
	if cfg.ArchiveEnabled() {
		client, err := archive.New(cfg.ArchiveClientConfig())
		if err != nil {
			st.close()
			return nil, fmt.Errorf("failed to create archive client: %w", err)
		}
		fc.Archive = client
	}
	resetters, err := indexing.NewAll(cfg.IndexingServices())
	if err != nil {
		st.close()
		return nil, fmt.Errorf("failed to create indexing clients: %w", err)
	}
	for _, r := range resetters {
		fc.Indexers = append(fc.Indexers, r)
	}

	st.factory, err = deposit.NewFactory(fc)
	if err != nil {
		st.close()
		return nil, err
	}

	if reg != nil {
		st.metrics = metrics.NewCollector(reg)
	}
	st.ctrl, err = controller.New(cfg.ControllerSettings(), controller.Deps{
		Factory: st.factory,
		Queue:   st.queue,
		Metrics: st.metrics,
	})
	if err != nil {
		st.close()
		return nil, fmt.Errorf("failed to create controller: %w", err)
	}
	return st, nil
}

// close 停止 controller 與本地 worker pool；可重複呼叫
func (st *stack) close() {
	if st.ctrl != nil {
		st.ctrl.Stop()
	}
	if st.local != nil {
		st.local.Stop()
		st.local = nil
	}
}

func newJobManager(cfg *config.Config) (jobmanager.Manager, *jobmanager.Local, error) {
	switch cfg.JobManager.Backend {
	case config.BackendLocal:
		l := jobmanager.NewLocal(cfg.LocalConfig())
		if err := l.Start(); err != nil {
			return nil, nil, fmt.Errorf("failed to start local job manager: %w", err)
		}
		return l, l, nil
	case config.BackendInline:
		return jobmanager.NewInline(nil), nil, nil
	case config.BackendCluster:
		return cluster.New(cfg.ClusterConfig(), nil), nil, nil
	case config.BackendKubernetes:
		client, err := kubeClient(cfg.JobManager.Kubernetes.Kubeconfig)
		if err != nil {
			return nil, nil, err
		}
		return kube.New(client, cfg.KubeConfig()), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown job manager backend %q", cfg.JobManager.Backend)
}

// kubeClient 空字串表示 in-cluster 配置
func kubeClient(kubeconfig string) (kubernetes.Interface, error) {
	var (
		rc  *rest.Config
		err error
	)
	if kubeconfig == "" {
		rc, err = rest.InClusterConfig()
	} else {
		rc, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
	}
	client, err := kubernetes.NewForConfig(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return client, nil
}

// ============================================================================
// 配置與日誌
// ============================================================================

// loadConfig 載入配置並設定預設 slog logger
func loadConfig(path string, logOut io.Writer) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		return nil, err
	}
	setupLogging(cfg, logOut)
	return cfg, nil
}

func setupLogging(cfg *config.Config, w io.Writer) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel()}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.Logging.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}
