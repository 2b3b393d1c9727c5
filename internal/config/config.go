// ============================================================================
// Config - 系統配置
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 載入 YAML 配置檔、套用預設值、驗證並轉換為各模組的配置
//
// 配置區段:
//   paths        - observation / level7 根目錄、暫存目錄、狀態目錄（journal + snapshot）
//   tools        - 工具安裝目錄或本地命令、工具名稱對應、是否自動推進
//   volumes      - kind → 儲存 volume
//   job_manager  - local | inline | cluster | kubernetes
//   throttle     - 每種任務類型的併發上限
//   archive      - 存檔狀態服務
//   indexing     - CLEANUP 時重置的索引服務
//   controller   - 輪詢間隔、併發度、日誌/快照設定
//   server       - 管理 API 與 gRPC health
//   metrics      - Prometheus 指標
//   logging      - slog 等級與格式
//
// 時間欄位使用 Go duration 字串，例如 "5s"、"1m30s"。
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/archive-deposit/internal/archive"
	"github.com/ChuLiYu/archive-deposit/internal/controller"
	"github.com/ChuLiYu/archive-deposit/internal/deposit"
	"github.com/ChuLiYu/archive-deposit/internal/indexing"
	"github.com/ChuLiYu/archive-deposit/internal/job"
	"github.com/ChuLiYu/archive-deposit/internal/jobmanager"
	"github.com/ChuLiYu/archive-deposit/internal/jobmanager/cluster"
	"github.com/ChuLiYu/archive-deposit/internal/jobmanager/kube"
	"github.com/ChuLiYu/archive-deposit/internal/throttle"
	"github.com/ChuLiYu/archive-deposit/pkg/types"
)

// Job manager backends.
const (
	BackendLocal      = "local"
	BackendInline     = "inline"
	BackendCluster    = "cluster"
	BackendKubernetes = "kubernetes"
)

// Config represents the complete system configuration.
type Config struct {
	Paths      PathsConfig       `yaml:"paths"`
	Tools      ToolsConfig       `yaml:"tools"`
	Volumes    map[string]string `yaml:"volumes"`
	JobManager JobManagerConfig  `yaml:"job_manager"`
	Throttle   ThrottleConfig    `yaml:"throttle"`
	Archive    ArchiveConfig     `yaml:"archive"`
	Indexing   []IndexingService `yaml:"indexing"`
	Controller ControllerConfig  `yaml:"controller"`
	Server     ServerConfig      `yaml:"server"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	Logging    LoggingConfig     `yaml:"logging"`
}

type PathsConfig struct {
	ObservationRoot string `yaml:"observation_root"`
	Level7Root      string `yaml:"level7_root"`
	StagingDir      string `yaml:"staging_dir"`
	StateDir        string `yaml:"state_dir"`
}

type ToolsConfig struct {
	InstallDir  string            `yaml:"install_dir"`
	Command     string            `yaml:"command"` // 設定時所有工具都以此命令執行
	Binaries    map[string]string `yaml:"binaries"`
	AutoAdvance bool              `yaml:"auto_advance"`
}

type JobManagerConfig struct {
	Backend    string         `yaml:"backend"`
	Local      LocalBackend   `yaml:"local"`
	Cluster    ClusterBackend `yaml:"cluster"`
	Kubernetes KubeBackend    `yaml:"kubernetes"`
}

type LocalBackend struct {
	Workers     int           `yaml:"workers"`
	BufferSize  int           `yaml:"buffer_size"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
	HistorySize int           `yaml:"history_size"`
}

type ClusterBackend struct {
	SubmitCommand       string `yaml:"submit_command"`
	StatusCommand       string `yaml:"status_command"`
	CountRunningCommand string `yaml:"count_running_command"`
	CancelCommand       string `yaml:"cancel_command"`
	StatusSeparator     string `yaml:"status_separator"`
	StateField          int    `yaml:"state_field"`
	ExitCodeField       int    `yaml:"exit_code_field"`
	WorkingDir          string `yaml:"working_dir"`
}

type KubeBackend struct {
	Kubeconfig         string      `yaml:"kubeconfig"` // 空字串表示 in-cluster
	Namespace          string      `yaml:"namespace"`
	Image              string      `yaml:"image"`
	ServiceAccount     string      `yaml:"service_account"`
	Mounts             []KubeMount `yaml:"mounts"`
	TTLAfterFinished   *int32      `yaml:"ttl_seconds_after_finished"`
	ActiveDeadlineSecs *int64      `yaml:"active_deadline_seconds"`
}

type KubeMount struct {
	ClaimName string `yaml:"claim_name"`
	MountPath string `yaml:"mount_path"`
	ReadOnly  bool   `yaml:"read_only"`
}

type ThrottleConfig struct {
	Limits       map[string]int `yaml:"limits"`
	DefaultLimit int            `yaml:"default_limit"`
	HistorySize  int            `yaml:"history_size"`
	UnknownGrace time.Duration  `yaml:"unknown_grace"`
	StartPaused  bool           `yaml:"start_paused"`
}

type ArchiveConfig struct {
	BaseURL   string        `yaml:"base_url"` // 空字串表示不檢查存檔狀態
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rate_limit"`
	Burst     int           `yaml:"burst"`
}

type IndexingService struct {
	Name    string        `yaml:"name"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type ControllerConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	DrainInterval     time.Duration `yaml:"drain_interval"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	Concurrency       int           `yaml:"concurrency"`
	JournalSync       bool          `yaml:"journal_sync"`
	JournalBufferSize int           `yaml:"journal_buffer_size"`
	JournalBackups    int           `yaml:"journal_backups"` // 負數表示全部保留
	SnapshotBackups   int           `yaml:"snapshot_backups"`
	EventBuffer       int           `yaml:"event_buffer"`
	Manifest          string        `yaml:"manifest"` // 啟動時載入的 depositable 清單
}

type ServerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// ============================================================================
// 載入與預設值
// ============================================================================

// Default returns a configuration usable for a local single-node deployment.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			ObservationRoot: "data/observations",
			Level7Root:      "data/level7",
			StagingDir:      "data/staging",
			StateDir:        "data/state",
		},
		Tools: ToolsConfig{
			InstallDir: "/opt/archive-tools",
		},
		Volumes: map[string]string{},
		JobManager: JobManagerConfig{
			Backend: BackendLocal,
			Local: LocalBackend{
				Workers:     4,
				BufferSize:  100,
				HistorySize: 1000,
			},
			Cluster: ClusterBackend{
				StatusSeparator: "|",
				ExitCodeField:   -1,
			},
			Kubernetes: KubeBackend{
				Namespace: "default",
			},
		},
		Throttle: ThrottleConfig{
			Limits:       map[string]int{},
			DefaultLimit: throttle.Unlimited,
			HistorySize:  50,
			UnknownGrace: 5 * time.Minute,
		},
		Archive: ArchiveConfig{
			Timeout: 10 * time.Second,
			Burst:   1,
		},
		Controller: ControllerConfig{
			PollInterval:      5 * time.Second,
			DrainInterval:     time.Second,
			SnapshotInterval:  time.Minute,
			Concurrency:       8,
			JournalBufferSize: 16,
			JournalBackups:    24,
			SnapshotBackups:   3,
			EventBuffer:       1024,
		},
		Server: ServerConfig{
			Enabled: true,
			Addr:    ":8080",
		},
		Metrics: MetricsConfig{Enabled: true},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over Default and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("config: "+format, args...))
	}

	if c.Paths.ObservationRoot == "" {
		add("paths.observation_root is required")
	}
	if c.Paths.Level7Root == "" {
		add("paths.level7_root is required")
	}
	if c.Paths.StateDir == "" {
		add("paths.state_dir is required")
	}
	if c.Tools.InstallDir == "" && c.Tools.Command == "" {
		add("tools.install_dir or tools.command is required")
	}

	for k := range c.Volumes {
		if kind, err := types.ParseKind(k); err != nil {
			add("volumes: %v", err)
		} else if kind.IsParent() {
			add("volumes: %s is not an artefact kind", kind)
		}
	}

	switch c.JobManager.Backend {
	case BackendLocal, BackendInline:
	case BackendCluster:
		if c.JobManager.Cluster.SubmitCommand == "" || c.JobManager.Cluster.StatusCommand == "" {
			add("job_manager.cluster needs submit_command and status_command")
		}
	case BackendKubernetes:
		if c.JobManager.Kubernetes.Image == "" {
			add("job_manager.kubernetes.image is required")
		}
	default:
		add("job_manager.backend %q is not one of local, inline, cluster, kubernetes", c.JobManager.Backend)
	}

	known := make(map[string]bool)
	for _, t := range deposit.Tools() {
		known[t] = true
	}
	for t := range c.Throttle.Limits {
		if !known[t] {
			add("throttle.limits: unknown job type %q", t)
		}
	}

	if c.Controller.PollInterval <= 0 {
		add("controller.poll_interval must be positive")
	}
	if c.Controller.DrainInterval <= 0 {
		add("controller.drain_interval must be positive")
	}
	if c.Controller.SnapshotInterval <= 0 {
		add("controller.snapshot_interval must be positive")
	}
	if c.Controller.Concurrency < 1 {
		add("controller.concurrency must be at least 1")
	}

	if c.Server.Enabled && c.Server.Addr == "" {
		add("server.addr is required when the server is enabled")
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		add("logging.level: %v", err)
	}
	if f := c.Logging.Format; f != "" && f != "text" && f != "json" {
		add("logging.format %q is not text or json", f)
	}

	return errors.Join(errs...)
}

// ============================================================================
// 衍生配置（啟動時複製，之後唯讀）
// ============================================================================

func (c *Config) JournalPath() string  { return filepath.Join(c.Paths.StateDir, "journal.log") }
func (c *Config) SnapshotPath() string { return filepath.Join(c.Paths.StateDir, "snapshot.json") }

// DepositPaths 檔案根目錄轉為 deposit.Paths（使用 / 分隔）
func (c *Config) DepositPaths() deposit.Paths {
	return deposit.Paths{
		ObservationRoot: filepath.ToSlash(c.Paths.ObservationRoot),
		Level7Root:      filepath.ToSlash(c.Paths.Level7Root),
		StagingDir:      c.Paths.StagingDir,
	}
}

// DepositVolumes 轉為不可變的 kind → volume 對應；Validate 已檢查 kind
func (c *Config) DepositVolumes() deposit.Volumes {
	m := make(map[types.Kind]string, len(c.Volumes))
	for k, v := range c.Volumes {
		if kind, err := types.ParseKind(k); err == nil {
			m[kind] = v
		}
	}
	return deposit.NewVolumes(m)
}

// Builder returns the base job builder for deposit tools.
func (c *Config) Builder() job.Builder {
	if c.Tools.Command != "" {
		return job.NewCommandBuilder(c.Tools.Command)
	}
	return job.NewToolBuilder(c.Tools.InstallDir, c.Tools.Binaries)
}

// ControllerSettings 轉為 controller.Config
func (c *Config) ControllerSettings() controller.Config {
	cc := c.Controller
	return controller.Config{
		PollInterval:      cc.PollInterval,
		DrainInterval:     cc.DrainInterval,
		SnapshotInterval:  cc.SnapshotInterval,
		Concurrency:       cc.Concurrency,
		JournalPath:       c.JournalPath(),
		SnapshotPath:      c.SnapshotPath(),
		JournalSync:       cc.JournalSync,
		JournalBufferSize: cc.JournalBufferSize,
		JournalBackups:    cc.JournalBackups,
		SnapshotBackups:   cc.SnapshotBackups,
		EventBuffer:       cc.EventBuffer,
	}
}

func (c *Config) LocalConfig() jobmanager.LocalConfig {
	return jobmanager.LocalConfig{
		WorkerCount: c.JobManager.Local.Workers,
		BufferSize:  c.JobManager.Local.BufferSize,
		TaskTimeout: c.JobManager.Local.TaskTimeout,
		HistorySize: c.JobManager.Local.HistorySize,
	}
}

func (c *Config) ClusterConfig() cluster.Config {
	cc := c.JobManager.Cluster
	return cluster.Config{
		SubmitCommand:       cc.SubmitCommand,
		StatusCommand:       cc.StatusCommand,
		CountRunningCommand: cc.CountRunningCommand,
		CancelCommand:       cc.CancelCommand,
		StatusSeparator:     cc.StatusSeparator,
		StateField:          cc.StateField,
		ExitCodeField:       cc.ExitCodeField,
		WorkingDir:          cc.WorkingDir,
	}
}

func (c *Config) KubeConfig() kube.Config {
	kc := c.JobManager.Kubernetes
	mounts := make([]kube.Mount, 0, len(kc.Mounts))
	for _, m := range kc.Mounts {
		mounts = append(mounts, kube.Mount{ClaimName: m.ClaimName, MountPath: m.MountPath, ReadOnly: m.ReadOnly})
	}
	return kube.Config{
		Namespace:          kc.Namespace,
		Image:              kc.Image,
		ServiceAccount:     kc.ServiceAccount,
		Mounts:             mounts,
		TTLAfterFinished:   kc.TTLAfterFinished,
		ActiveDeadlineSecs: kc.ActiveDeadlineSecs,
	}
}

func (c *Config) ThrottleConfig() throttle.Config {
	limits := make(map[string]int, len(c.Throttle.Limits))
	for k, v := range c.Throttle.Limits {
		limits[k] = v
	}
	return throttle.Config{
		Limits:       limits,
		DefaultLimit: c.Throttle.DefaultLimit,
		HistorySize:  c.Throttle.HistorySize,
		UnknownGrace: c.Throttle.UnknownGrace,
	}
}

// ArchiveEnabled reports whether an archive status service is configured.
func (c *Config) ArchiveEnabled() bool { return c.Archive.BaseURL != "" }

func (c *Config) ArchiveClientConfig() archive.Config {
	return archive.Config{
		BaseURL:   c.Archive.BaseURL,
		Timeout:   c.Archive.Timeout,
		RateLimit: c.Archive.RateLimit,
		Burst:     c.Archive.Burst,
	}
}

func (c *Config) IndexingServices() []indexing.Service {
	out := make([]indexing.Service, 0, len(c.Indexing))
	for _, s := range c.Indexing {
		out = append(out, indexing.Service{Name: s.Name, URL: s.URL, Timeout: s.Timeout})
	}
	return out
}

// ============================================================================
// Logging
// ============================================================================

// LogLevel 取得 slog 等級，無效值回傳 info
func (c *Config) LogLevel() slog.Level {
	l, err := parseLevel(c.Logging.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown level %q", s)
}
