package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/archive-deposit/internal/config"
	"github.com/ChuLiYu/archive-deposit/internal/deposit"
	"github.com/ChuLiYu/archive-deposit/internal/job"
	"github.com/ChuLiYu/archive-deposit/internal/jobmanager"
	"github.com/ChuLiYu/archive-deposit/internal/server"
	"github.com/ChuLiYu/archive-deposit/internal/snapshot"
	"github.com/ChuLiYu/archive-deposit/internal/storage/journal"
	"github.com/ChuLiYu/archive-deposit/internal/throttle"
	"github.com/ChuLiYu/archive-deposit/pkg/types"
)

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var failedOnly bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show deposit status from the last snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), cfg, failedOnly)
		},
	}

	cmd.Flags().BoolVar(&failedOnly, "failed", false, "only list depositables with a failed parent or child")
	return cmd
}

func printStatus(w io.Writer, cfg *config.Config, failedOnly bool) error {
	sm := snapshot.NewManager(cfg.SnapshotPath())
	if !sm.Exists() {
		fmt.Fprintf(w, "No snapshot at %s\n", sm.GetPath())
		return nil
	}
	data, err := sm.Load()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	pending := 0
	if err := journal.ReplayAll(cfg.JournalPath(), func(e journal.Entry) error {
		if e.Event.Time.After(data.TakenAt) {
			pending++
		}
		return nil
	}); err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}

	counts := map[types.StateType]int{}
	for _, r := range data.Depositables {
		counts[r.State]++
	}

	fmt.Fprintln(w, "┌─────────────────────────────────────────┐")
	fmt.Fprintln(w, "│  📦  Deposit Status                     │")
	fmt.Fprintln(w, "└─────────────────────────────────────────┘")
	fmt.Fprintf(w, "Snapshot:      %s\n", sm.GetPath())
	fmt.Fprintf(w, "Taken at:      %s\n", data.TakenAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Journal:       %d events since snapshot\n", pending)
	fmt.Fprintf(w, "Queue paused:  %t\n", data.QueuePaused)
	fmt.Fprintf(w, "Depositables:  %d\n", len(data.Depositables))
	for _, st := range types.StateTypes() {
		if n := counts[st]; n > 0 {
			fmt.Fprintf(w, "  %-22s %d\n", st, n)
		}
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "UID\tSTATE\tCHECKPOINT\tFAILURES\tCHILDREN")
	for _, r := range data.Depositables {
		failedChildren := 0
		for _, c := range r.Children {
			if c.State == types.StateFailed {
				failedChildren++
			}
		}
		if failedOnly && r.State != types.StateFailed && failedChildren == 0 {
			continue
		}
		children := strconv.Itoa(len(r.Children))
		if failedChildren > 0 {
			children += fmt.Sprintf(" (%d failed)", failedChildren)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.UniqueIdentifier(), r.State, dash(r.Checkpoint), r.FailureCount, children)
	}
	return tw.Flush()
}

// ============================================================================
// queue
// ============================================================================

func buildQueueCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or control the job queue of a running daemon",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "", "admin API address (default: server.addr from the config)")

	client := func(cmd *cobra.Command) (*adminClient, error) {
		if addr != "" {
			return newAdminClient(addr), nil
		}
		cfg, err := loadConfig(configFile, cmd.ErrOrStderr())
		if err != nil {
			return nil, err
		}
		return newAdminClient(cfg.Server.Addr), nil
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show queued, running and completed jobs per type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client(cmd)
			if err != nil {
				return err
			}
			var snap throttle.Snapshot
			if err := c.do(http.MethodGet, "/api/queue", nil, &snap); err != nil {
				return err
			}
			return printQueue(cmd.OutOrStdout(), snap)
		},
	}

	setPaused := func(use, short string) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := client(cmd)
				if err != nil {
					return err
				}
				var out map[string]bool
				if err := c.do(http.MethodPost, "/api/queue/"+use, nil, &out); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queue paused: %t\n", out["paused"])
				return nil
			},
		}
	}

	limit := &cobra.Command{
		Use:   "limit <job-type> <n>",
		Short: "Change the concurrency limit of one job type (-1 = unlimited)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid limit %q: %w", args[1], err)
			}
			c, err := client(cmd)
			if err != nil {
				return err
			}
			if err := c.do(http.MethodPut, "/api/queue/limits/"+args[0], server.LimitRequest{Limit: n}, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Limit for %s set to %d\n", args[0], n)
			return nil
		},
	}

	cmd.AddCommand(show, setPaused("pause", "Stop starting new jobs"), setPaused("resume", "Resume starting jobs"), limit)
	return cmd
}

func printQueue(w io.Writer, snap throttle.Snapshot) error {
	fmt.Fprintf(w, "Paused: %t\n\n", snap.Paused)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tALLOWED\tQUEUED\tRUNNING\tCOMPLETED")
	for _, ts := range snap.Types {
		allowed := strconv.Itoa(ts.Allowed)
		if ts.Allowed == throttle.Unlimited {
			allowed = "unlimited"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", ts.Type, allowed, len(ts.Queued), len(ts.Running), len(ts.Completed))
	}
	return tw.Flush()
}

// ============================================================================
// recover
// ============================================================================

func buildRecoverCommand() *cobra.Command {
	var (
		remote bool
		addr   string
	)

	cmd := &cobra.Command{
		Use:   "recover <uid>",
		Short: "Recover a FAILED depositable to its last checkpoint",
		Long: `Recover a FAILED parent (and its failed children) or a single FAILED child.
Without --remote the state directory is updated directly; the daemon must not be running.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uid := args[0]
			if remote && addr != "" {
				return recoverRemote(cmd.OutOrStdout(), newAdminClient(addr), uid)
			}
			cfg, err := loadConfig(configFile, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if remote {
				return recoverRemote(cmd.OutOrStdout(), newAdminClient(cfg.Server.Addr), uid)
			}
			return recoverOffline(cmd, cfg, uid)
		},
	}

	cmd.Flags().BoolVar(&remote, "remote", false, "ask a running daemon through its admin API")
	cmd.Flags().StringVar(&addr, "addr", "", "admin API address for --remote (default: server.addr from the config)")
	return cmd
}

func recoverOffline(cmd *cobra.Command, cfg *config.Config, uid string) error {
	st, err := newStack(cfg, nil, true)
	if err != nil {
		return err
	}
	defer st.close()

	if err := st.ctrl.Restore(); err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}
	if err := st.ctrl.Recover(cmd.Context(), uid); err != nil {
		return err
	}
	status, err := st.ctrl.Get(uid)
	if err != nil {
		return err
	}
	if err := st.ctrl.Close(); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ %s recovered to %s\n", status.UID, status.State)
	return nil
}

func recoverRemote(w io.Writer, c *adminClient, uid string) error {
	var status struct {
		UID   string          `json:"uid"`
		State types.StateType `json:"state"`
	}
	if err := c.do(http.MethodPost, "/api/depositables/recover", server.UIDRequest{UID: uid}, &status); err != nil {
		return err
	}
	fmt.Fprintf(w, "✅ %s recovered to %s\n", status.UID, status.State)
	return nil
}

// ============================================================================
// history
// ============================================================================

func buildHistoryCommand() *cobra.Command {
	var last int

	cmd := &cobra.Command{
		Use:   "history [uid]",
		Short: "Show state changes recorded in the journal",
		Long:  "List journal entries, optionally only those whose depositable UID starts with the given prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			return printHistory(cmd.OutOrStdout(), cfg.JournalPath(), prefix, last)
		},
	}

	cmd.Flags().IntVarP(&last, "last", "n", 0, "only show the last n matching entries (0 = all)")
	return cmd
}

func printHistory(w io.Writer, path, prefix string, last int) error {
	var entries []journal.Entry
	err := journal.ReplayAll(path, func(e journal.Entry) error {
		if strings.HasPrefix(e.Event.UniqueIdentifier, prefix) {
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}
	if last > 0 && len(entries) > last {
		entries = entries[len(entries)-last:]
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tUID\tFROM\tTO\tFAILURES")
	for _, e := range entries {
		ev := e.Event
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\n",
			e.Seq, ev.Time.Format(time.RFC3339), ev.UniqueIdentifier, dash(ev.From), ev.To, ev.FailureCount)
	}
	return tw.Flush()
}

// ============================================================================
// validate
// ============================================================================

func buildValidateCommand() *cobra.Command {
	var (
		parentID      string
		catalogueType string
		level7        bool
	)

	cmd := &cobra.Command{
		Use:   "validate <catalogue-file>",
		Short: "Validate a catalogue file with the catalogue import tool",
		Long:  "Run the catalogue import in validate-only mode and print every reported error line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return validateCatalogue(cmd, cfg, parentID, args[0], catalogueType, level7)
		},
	}

	cmd.Flags().StringVarP(&parentID, "parent-id", "p", "", "scheduling block id or level 7 collection id")
	cmd.Flags().StringVarP(&catalogueType, "type", "t", "", "catalogue type (e.g. continuum-island)")
	cmd.Flags().BoolVar(&level7, "level7", false, "the parent is a level 7 collection")
	_ = cmd.MarkFlagRequired("parent-id")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func validateCatalogue(cmd *cobra.Command, cfg *config.Config, parentID, filename, catalogueType string, level7 bool) error {
	f, err := deposit.NewFactory(deposit.FactoryConfig{
		Jobs:    jobmanager.NewInline(nil),
		Builder: cfg.Builder(),
		Paths:   cfg.DepositPaths(),
	})
	if err != nil {
		return err
	}

	newParent := deposit.NewObservation
	if level7 {
		newParent = deposit.NewLevel7Collection
	}
	p, err := newParent(f, parentID)
	if err != nil {
		return err
	}
	c, err := p.AddChild(types.KindCatalogue, filename, deposit.WithCatalogueType(catalogueType))
	if err != nil {
		return err
	}

	m := &job.RecordingMonitor{}
	runErr := f.CatalogueJob(c, true).Run(cmd.Context(), m)
	errs := job.ValidationErrors(m.Output)

	w := cmd.OutOrStdout()
	for _, e := range errs {
		fmt.Fprintln(w, e)
	}
	switch {
	case len(errs) > 0:
		return fmt.Errorf("%s: %d validation errors", filename, len(errs))
	case runErr != nil:
		return fmt.Errorf("validation of %s failed: %w\n%s", filename, runErr, m.Output)
	}
	fmt.Fprintf(w, "✅ %s is valid\n", filename)
	return nil
}

// ============================================================================
// 管理 API 客戶端
// ============================================================================

type adminClient struct {
	base string
	http *http.Client
}

// newAdminClient 接受 ":8080"、"host:8080" 或完整 URL
func newAdminClient(addr string) *adminClient {
	base := addr
	switch {
	case strings.HasPrefix(addr, ":"):
		base = "http://localhost" + addr
	case !strings.Contains(addr, "://"):
		base = "http://" + addr
	}
	return &adminClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *adminClient) do(method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("admin API unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &e) == nil && e.Message != "" {
			return fmt.Errorf("%s %s: %s (%d)", method, path, e.Message, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func dash(s types.StateType) string {
	if s == "" {
		return "-"
	}
	return string(s)
}
