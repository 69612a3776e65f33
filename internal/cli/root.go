// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"bulkarchive/internal/archiveclient"
	"bulkarchive/internal/diskpool"
	"bulkarchive/internal/downloadworker"
	"bulkarchive/internal/engine"
	"bulkarchive/internal/joblog"
	"bulkarchive/internal/sizeparse"
	"bulkarchive/internal/uibus"
)

// RootOpts holds global CLI options.
type RootOpts struct {
	Token    string
	JSONOut  bool
	Quiet    bool
	Verbose  bool
	Config   string
	LogFile  string
	LogLevel string
}

// Execute runs the CLI with the given version string.
func Execute(version string) error {
	ro := &RootOpts{}
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	root := &cobra.Command{
		Use:           "bulkarchive",
		Short:         "Bulk download engine for a large public archive",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	root.PersistentFlags().StringVarP(&ro.Token, "token", "t", "", "Bearer token for restricted items (also reads BULKARCHIVE_TOKEN env)")
	root.PersistentFlags().BoolVar(&ro.JSONOut, "json", false, "Emit machine-readable JSON-lines events")
	root.PersistentFlags().BoolVarP(&ro.Quiet, "quiet", "q", false, "Quiet mode: one line per event, no live table")
	root.PersistentFlags().BoolVarP(&ro.Verbose, "verbose", "v", false, "Verbose mode (accepted; produces no additional output)")
	root.PersistentFlags().StringVar(&ro.Config, "config", "", "Path to config file (JSON or YAML)")
	root.PersistentFlags().StringVar(&ro.LogFile, "log-file", "", "Log file path (accepted; no log file is written)")
	root.PersistentFlags().StringVar(&ro.LogLevel, "log-level", "info", "Log level: debug, info, warn, error (accepted; does not change output)")

	downloadCmd := newDownloadCmd(ctx, ro)
	root.AddCommand(downloadCmd)
	root.AddCommand(newVersionCmd(version))
	root.AddCommand(newConfigCmd())

	// download is the default command when no subcommand is given, per
	// the CLI surface this bridges (run/status/verify all live under it).
	root.Flags().AddFlagSet(downloadCmd.Flags())
	root.Args = cobra.ArbitraryArgs
	root.PreRunE = downloadCmd.PreRunE
	root.RunE = downloadCmd.RunE
	root.SetHelpCommand(&cobra.Command{Use: "help", Hidden: true})

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		return err
	}
	return nil
}

// downloadSettings collects the flag-backed configuration for the
// download/status/verify modes.
type downloadSettings struct {
	Itemlist    string
	Destdirs    []string
	DiskMargin  string
	NoDiskCheck bool
	Workers     int
	Retries     int
	Joblog      string
	Status      bool
	Verify      bool
	Destdir     string

	Sources []string
	Formats []string
	Glob    string

	Search string

	Listen string
}

func newDownloadCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	s := &downloadSettings{}

	cmd := &cobra.Command{
		Use:   "download [identifier ...]",
		Short: "Bulk-download archive items, or inspect/verify a job log",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return applySettingsDefaults(cmd, ro, s)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if s.Status {
				return runStatus(s)
			}
			if s.Verify {
				return runVerify(ctx, ro, s)
			}
			return runDownload(ctx, ro, s, args)
		},
	}

	cmd.Flags().StringVar(&s.Itemlist, "itemlist", "", "Path to a file of identifiers, one per line ('-' for stdin)")
	cmd.Flags().StringSliceVar(&s.Destdirs, "destdirs", nil, "Destination directories, tried in order (default: current directory)")
	cmd.Flags().StringVar(&s.DiskMargin, "disk-margin", "1G", "Per-disk safety margin reserved on top of outstanding work")
	cmd.Flags().BoolVar(&s.NoDiskCheck, "no-disk-check", false, "Skip free-space checks; always route to the first destdir")
	cmd.Flags().IntVarP(&s.Workers, "workers", "w", 4, "Number of concurrent download workers")
	cmd.Flags().IntVar(&s.Retries, "retries", 2, "Retry attempts for a failed item across subsequent passes")
	cmd.Flags().StringVar(&s.Joblog, "joblog", "", "Path to the job log (required for --status/--verify; defaults to a temp file for plain downloads)")
	cmd.Flags().BoolVar(&s.Status, "status", false, "Print job log status and exit")
	cmd.Flags().BoolVar(&s.Verify, "verify", false, "Verify completed items against what's on disk and exit")
	cmd.Flags().StringVar(&s.Destdir, "destdir", "", "Destination directory to verify against (default: the destdir recorded per item)")

	cmd.Flags().StringSliceVar(&s.Sources, "source", nil, "Restrict to files whose source matches one of these values")
	cmd.Flags().StringSliceVar(&s.Formats, "format", nil, "Restrict to files whose format matches one of these values")
	cmd.Flags().StringVar(&s.Glob, "glob", "", "Restrict to files whose name matches this glob pattern")
	cmd.Flags().StringVar(&s.Search, "search", "", "Resolve identifiers via a search query (requires an external resolver; out of scope here)")
	cmd.Flags().StringVar(&s.Listen, "listen", "", "Serve a browser dashboard over websockets at this address (e.g. :8080), in addition to the terminal UI")

	return cmd
}

// receivedSignal records the first terminating signal seen, so the
// process can exit 128+signo after in-flight work drains.
var receivedSignal atomic.Int32

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-ch:
			if s, ok := sig.(syscall.Signal); ok {
				receivedSignal.Store(int32(s))
			}
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// exitOnSignal terminates the process with the conventional 128+signo
// code when the run was cut short by a signal. Called after the
// summary has been printed and the job log closed.
func exitOnSignal() {
	if s := receivedSignal.Load(); s != 0 {
		os.Exit(128 + int(s))
	}
}

func resolveToken(ro *RootOpts) string {
	tok := strings.TrimSpace(ro.Token)
	if tok == "" {
		tok = strings.TrimSpace(os.Getenv("BULKARCHIVE_TOKEN"))
	}
	return tok
}

// identifiersFrom builds the identifier list: a file via --itemlist
// ('-' for stdin), or the positional args.
func identifiersFrom(s *downloadSettings, args []string) ([]string, error) {
	if s.Itemlist != "" {
		var r *bufio.Scanner
		if s.Itemlist == "-" {
			r = bufio.NewScanner(os.Stdin)
		} else {
			f, err := os.Open(s.Itemlist)
			if err != nil {
				return nil, fmt.Errorf("opening --itemlist: %w", err)
			}
			defer f.Close()
			r = bufio.NewScanner(f)
		}
		var ids []string
		for r.Scan() {
			line := strings.TrimSpace(r.Text())
			if line != "" {
				ids = append(ids, line)
			}
		}
		return ids, r.Err()
	}

	if s.Search != "" {
		return nil, fmt.Errorf("--search requires an external resolver, which is not configured")
	}

	if len(args) == 0 {
		return nil, fmt.Errorf("no identifiers provided: pass identifiers as arguments or use --itemlist")
	}
	return args, nil
}

func nullJoblogPath() (string, error) {
	f, err := os.CreateTemp("", "bulkarchive_*.jsonl")
	if err != nil {
		return "", err
	}
	path := f.Name()
	f.Close()
	return path, nil
}

func runDownload(ctx context.Context, ro *RootOpts, s *downloadSettings, args []string) error {
	ids, err := identifiersFrom(s, args)
	if err != nil {
		return err
	}

	destdirs := s.Destdirs
	if len(destdirs) == 0 {
		destdirs = []string{"."}
	}

	margin, err := sizeparse.ParseDefault(s.DiskMargin, diskpool.DefaultMargin)
	if err != nil {
		return err
	}
	pool := diskpool.New(destdirs, margin, s.NoDiskCheck)

	joblogPath := s.Joblog
	if joblogPath == "" {
		joblogPath, err = nullJoblogPath()
		if err != nil {
			return fmt.Errorf("creating temporary job log: %w", err)
		}
	}
	log, err := joblog.Open(joblogPath)
	if err != nil {
		return fmt.Errorf("opening job log: %w", err)
	}

	token := resolveToken(ro)
	worker := downloadworker.New(func() *archiveclient.Client {
		return archiveclient.New(archiveclient.WithToken(token))
	}, downloadworker.Options{Sources: s.Sources, Formats: s.Formats, GlobPattern: s.Glob})

	handler, closeUI, printSummary := selectUIHandler(ro, len(ids), s.Workers)
	defer closeUI()

	if s.Listen != "" {
		wsHandler, closeWS, err := startDashboard(s.Listen)
		if err != nil {
			return fmt.Errorf("starting dashboard on %s: %w", s.Listen, err)
		}
		defer closeWS()
		fmt.Fprintf(os.Stderr, "dashboard: ws://%s/ws\n", s.Listen)
		base := handler
		handler = func(ev uibus.Event) {
			base(ev)
			wsHandler.Handle(ev)
		}
	}

	e := engine.New(worker, log, pool, engine.Options{NumWorkers: s.Workers, JobRetries: s.Retries, UIHandler: handler})

	t0 := time.Now()
	result, runErr := e.Run(ctx, ids)
	elapsed := time.Since(t0)

	status := log.Status()
	if err := log.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "warning: closing job log:", err)
	}

	if runErr != nil {
		// A job-log write failure: the engine cannot meaningfully
		// proceed without durable progress, so this overrides the
		// ordinary failed-item summary.
		return fmt.Errorf("job log write failed, run aborted: %w", runErr)
	}

	switch {
	case ro.JSONOut:
		enc := json.NewEncoder(os.Stdout)
		enc.Encode(map[string]any{
			"completed": result.Completed, "failed": result.Failed, "skipped": result.Skipped,
			"total_bytes": status.TotalBytes, "elapsed_seconds": elapsed.Seconds(),
		})
	case printSummary != nil:
		printSummary(result.Completed, result.Failed, result.Skipped, status.TotalBytes, elapsed)
	default:
		summary := fmt.Sprintf("Summary: %d completed, %d failed, %d skipped, %s in %.1fs",
			result.Completed, result.Failed, result.Skipped, sizeparse.Format(status.TotalBytes), elapsed.Seconds())
		if result.Failed > 0 {
			fmt.Fprintln(os.Stderr, color.RedString(summary))
		} else {
			fmt.Fprintln(os.Stderr, color.GreenString(summary))
		}
	}

	exitOnSignal()

	if result.Failed > 0 {
		return fmt.Errorf("%d item(s) failed", result.Failed)
	}
	return nil
}

// summaryFunc prints the final run totals; nil means the caller owns
// the summary line.
type summaryFunc func(completed, failed, skipped int, totalBytes int64, elapsed time.Duration)

// selectUIHandler picks a progress backend: JSON when --json is set,
// a plain one-line handler in --quiet mode, and a live ANSI table
// otherwise. The plain backend also supplies its own summary printer
// so the run's last line matches the event lines above it.
func selectUIHandler(ro *RootOpts, totalItems, numWorkers int) (uibus.Handler, func(), summaryFunc) {
	if ro.JSONOut {
		return jsonUIHandler(os.Stdout), func() {}, nil
	}
	if ro.Quiet {
		h := uibus.NewPlainHandler(os.Stderr, totalItems)
		return h.Handle, func() {}, h.PrintSummary
	}
	lr := uibus.NewLiveRenderer(totalItems, numWorkers)
	return lr.Handle, lr.Close, nil
}

// jsonUIHandler emits one JSON object per engine event, for scripting
// against a run (--json).
func jsonUIHandler(w io.Writer) uibus.Handler {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	return func(ev uibus.Event) {
		rec := map[string]any{"event": ev.Kind, "id": ev.Identifier}
		if ev.ItemIndex > 0 {
			rec["item_index"] = ev.ItemIndex
		}
		if ev.BytesDone > 0 {
			rec["bytes_done"] = ev.BytesDone
		}
		if ev.BytesTotal > 0 {
			rec["bytes_total"] = ev.BytesTotal
		}
		if ev.FilesOK > 0 {
			rec["files_ok"] = ev.FilesOK
		}
		if ev.Error != "" {
			rec["error"] = ev.Error
		}
		mu.Lock()
		enc.Encode(rec)
		mu.Unlock()
	}
}

// startDashboard brings up a websocket hub and serves it at addr/ws, for
// a browser-based live view of the run. The returned handler fans every
// engine event out to connected clients; the returned func shuts the
// listener down.
func startDashboard(addr string) (*uibus.WebSocketHandler, func(), error) {
	hub := uibus.NewWebSocketHandler()
	go hub.Run()

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)

	return hub, func() { srv.Close() }, nil
}

func runStatus(s *downloadSettings) error {
	if s.Joblog == "" {
		return fmt.Errorf("--status requires --joblog")
	}
	if !joblog.Exists(s.Joblog) {
		return fmt.Errorf("job log not found: %s", s.Joblog)
	}
	log, err := joblog.Open(s.Joblog)
	if err != nil {
		return err
	}
	defer log.Close()

	st := log.Status()
	fmt.Printf("completed: %d\n", st.Completed)
	fmt.Printf("failed:    %d\n", st.Failed)
	fmt.Printf("skipped:   %d\n", st.Skipped)
	fmt.Printf("bytes:     %d\n", st.TotalBytes)

	if len(st.FailedItems) > 0 {
		fmt.Println("\nFailed items:")
		for _, f := range st.FailedItems {
			fmt.Printf("  %s: %s\n", f.Identifier, f.Error)
		}
	}
	return nil
}

func runVerify(ctx context.Context, ro *RootOpts, s *downloadSettings) error {
	if s.Joblog == "" {
		return fmt.Errorf("--verify requires --joblog")
	}
	if !joblog.Exists(s.Joblog) {
		return fmt.Errorf("job log not found: %s", s.Joblog)
	}
	log, err := joblog.Open(s.Joblog)
	if err != nil {
		return err
	}
	defer log.Close()

	completed := log.CompletedIdentifiers()
	if len(completed) == 0 {
		fmt.Println("No completed items to verify.")
		return nil
	}

	token := resolveToken(ro)
	worker := downloadworker.New(func() *archiveclient.Client {
		return archiveclient.New(archiveclient.WithToken(token))
	}, downloadworker.Options{Sources: s.Sources, Formats: s.Formats, GlobPattern: s.Glob})

	okCount, badCount := 0, 0
	for _, ident := range completed {
		destdir := s.Destdir
		if destdir == "" {
			if d, ok := log.CompletedDestdir(ident); ok {
				destdir = d
			} else {
				destdir = "."
			}
		}
		result, err := worker.Verify(ctx, ident, destdir)
		if err != nil {
			badCount++
			fmt.Printf("%s: ERROR: %v\n", ident, err)
			continue
		}
		if result.OK {
			okCount++
			continue
		}
		badCount++
		missing := result.Missing
		if len(missing) > 5 {
			missing = missing[:5]
		}
		found := result.FilesChecked - result.FilesMissing
		fmt.Printf("%s: INCOMPLETE (%d/%d) missing: %s\n", ident, found, result.FilesChecked, strings.Join(missing, ", "))
	}

	fmt.Printf("\nVerification: %d OK, %d incomplete\n", okCount, badCount)
	if badCount > 0 {
		return fmt.Errorf("%d item(s) incomplete", badCount)
	}
	return nil
}

func applySettingsDefaults(cmd *cobra.Command, ro *RootOpts, dst *downloadSettings) error {
	path := ro.Config
	if path == "" {
		home, _ := os.UserHomeDir()
		for _, candidate := range []string{
			filepath.Join(home, ".config", "bulkarchive.json"),
			filepath.Join(home, ".config", "bulkarchive.yaml"),
			filepath.Join(home, ".config", "bulkarchive.yml"),
		} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path == "" {
		return nil
	}

	cfg, err := loadConfigFile(path)
	if err != nil {
		return err
	}

	setStr := func(flagName string, set func(string)) {
		if cmd.Flags().Changed(flagName) {
			return
		}
		if v, ok := cfg[flagName]; ok && v != nil {
			set(fmt.Sprint(v))
		}
	}
	setInt := func(flagName string, set func(int)) {
		if cmd.Flags().Changed(flagName) {
			return
		}
		if v, ok := cfg[flagName]; ok && v != nil {
			var x int
			fmt.Sscan(fmt.Sprint(v), &x)
			set(x)
		}
	}
	setBool := func(flagName string, set func(bool)) {
		if cmd.Flags().Changed(flagName) {
			return
		}
		if v, ok := cfg[flagName]; ok && v != nil {
			set(strings.EqualFold(fmt.Sprint(v), "true"))
		}
	}

	setInt("workers", func(v int) { dst.Workers = v })
	setInt("retries", func(v int) { dst.Retries = v })
	setStr("disk-margin", func(v string) { dst.DiskMargin = v })
	setBool("no-disk-check", func(v bool) { dst.NoDiskCheck = v })
	setStr("joblog", func(v string) { dst.Joblog = v })

	if !cmd.Flags().Changed("token") && os.Getenv("BULKARCHIVE_TOKEN") == "" {
		if v, ok := cfg["token"]; ok && v != nil {
			ro.Token = fmt.Sprint(v)
		}
	}
	if v, ok := cfg["destdirs"]; ok && !cmd.Flags().Changed("destdirs") {
		if list, ok := v.([]any); ok {
			var dirs []string
			for _, d := range list {
				dirs = append(dirs, fmt.Sprint(d))
			}
			dst.Destdirs = dirs
		}
	}

	return nil
}
