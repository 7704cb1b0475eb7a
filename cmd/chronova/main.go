// Command chronova is the Chronova CLI agent: a WakaTime-compatible,
// offline-first heartbeat recorder. Each invocation records at most one
// primary heartbeat (plus any carried on stdin via --extra-heartbeats),
// durably enqueues it, and makes one opportunistic attempt to flush the
// queue before exiting.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/chronova/chronova-cli/internal/apiclient"
	"github.com/chronova/chronova-cli/internal/collector"
	"github.com/chronova/chronova-cli/internal/config"
	apperrors "github.com/chronova/chronova-cli/internal/errors"
	"github.com/chronova/chronova-cli/internal/heartbeat"
	"github.com/chronova/chronova-cli/internal/logging"
	"github.com/chronova/chronova-cli/internal/pipeline"
	"github.com/chronova/chronova-cli/internal/queue"
	"github.com/chronova/chronova-cli/internal/retry"
	"github.com/chronova/chronova-cli/internal/syncengine"
)

// version is overridden at build time via -ldflags.
var version = "0.1.0"

// Exit codes per the external-interfaces contract.
const (
	exitOK            = 0
	exitAPIUnreachable = 102
	exitConfigError   = 103
	exitMalformed     = 104
	exitRateLimited   = 112
)

// cliError carries the process exit code alongside the underlying
// cause, so main can translate it without re-classifying the error.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func newCLIError(code int, err error) *cliError { return &cliError{code: code, err: err} }

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	a := &app{}
	cmd := a.newRootCmd()
	cmd.SetArgs(args)

	if err := cmd.Execute(); err != nil {
		a.reportError(err)
		var ce *cliError
		if errors.As(err, &ce) {
			return ce.code
		}
		return exitMalformed
	}
	return exitOK
}

// app holds the flag values bound by cobra and the collaborators built
// once configuration has been loaded.
type app struct {
	entity            string
	entityType        string
	timeFlag          float64
	project           string
	alternateProject  string
	language          string
	alternateLanguage string
	category          string
	lines             int
	lineNo            int
	cursorPos         int
	isWrite           bool
	plugin            string
	extraHeartbeats   bool

	syncOfflineActivity string
	offlineCountFlag    bool
	todayFlag           bool
	apiURL              string

	configPath  string
	configRead  string
	configWrite string

	verbose bool
	logFile string
	output  string

	cfg    config.Config
	loader *config.Loader
	out    runResult
}

// runResult is the structured summary printed on stdout when
// --output json is active, or rendered as a single line otherwise.
type runResult struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	QueueDepth int    `json:"queue_depth"`
}

func (a *app) newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "chronova",
		Short:   "Record a coding-activity heartbeat",
		Version: version,
		RunE:    a.runE,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := cmd.Flags()
	flags.StringVar(&a.entity, "entity", "", "subject of the heartbeat (file path, domain, URL or app name)")
	flags.StringVar(&a.entityType, "entity-type", "", "override entity type inference: file, domain, url or app")
	flags.Float64Var(&a.timeFlag, "time", 0, "override timestamp (epoch seconds)")
	flags.StringVar(&a.project, "project", "", "project name override")
	flags.StringVar(&a.alternateProject, "alternate-project", "", "fallback project name")
	flags.StringVar(&a.language, "language", "", "language name override")
	flags.StringVar(&a.alternateLanguage, "alternate-language", "", "fallback language name")
	flags.StringVar(&a.category, "category", "", "activity category")
	flags.IntVar(&a.lines, "lines", 0, "total lines in the entity")
	flags.IntVar(&a.lineNo, "lineno", 0, "current line number")
	flags.IntVar(&a.cursorPos, "cursorpos", 0, "current cursor position")
	flags.BoolVar(&a.isWrite, "write", false, "whether this heartbeat was triggered by a save")
	flags.StringVar(&a.plugin, "plugin", "", "editor plugin identifier, folded into the User-Agent")
	flags.BoolVar(&a.extraHeartbeats, "extra-heartbeats", false, "read a JSON array of additional heartbeats from stdin")

	flags.StringVar(&a.syncOfflineActivity, "sync-offline-activity", "", "run manual_sync(N) and exit; N may be \"none\"")
	flags.BoolVar(&a.offlineCountFlag, "offline-count", false, "print the number of queued entries awaiting sync")
	flags.BoolVar(&a.todayFlag, "today", false, "print today's tracked time summary")
	flags.StringVar(&a.apiURL, "api-url", "", "override the configured API base URL for this invocation")

	flags.StringVar(&a.configPath, "config", "", "path to the INI config file (default ~/.chronova.cfg)")
	flags.StringVar(&a.configRead, "config-read", "", "print a single \"section.key\" config value and exit")
	flags.StringVar(&a.configWrite, "config-write", "", "write a \"section.key=value\" config pair and exit")

	flags.BoolVar(&a.verbose, "verbose", false, "enable debug logging")
	flags.StringVar(&a.logFile, "log-file", "", "path to the log file (default ~/.chronova.log)")
	flags.StringVar(&a.output, "output", "text", "output format: text or json")

	return cmd
}

func (a *app) runE(cmd *cobra.Command, _ []string) error {
	if a.output != "text" && a.output != "json" {
		return newCLIError(exitMalformed, fmt.Errorf("--output must be \"text\" or \"json\", got %q", a.output))
	}

	cfg, loader, err := config.Load(a.configPath)
	if err != nil {
		return newCLIError(exitConfigError, err)
	}
	a.cfg = cfg
	a.loader = loader
	if a.apiURL != "" {
		a.cfg.APIURL = a.apiURL
	}

	a.initLogging()

	switch {
	case a.configRead != "":
		return a.runConfigRead()
	case a.configWrite != "":
		return a.runConfigWrite()
	}

	store, err := openQueue()
	if err != nil {
		return newCLIError(exitConfigError, err)
	}
	defer store.Close()

	apiKey := a.cfg.ResolveAPIKey("")
	client := apiclient.New(a.cfg.APIURL, apiKey, apiclient.DetectAuthScheme(apiKey))
	policy := retry.Policy{
		BaseDelay:   a.cfg.Sync.RetryBaseDelay(),
		MaxDelay:    a.cfg.Sync.RetryMaxDelay(),
		MaxAttempts: a.cfg.Sync.MaxRetryAttempts,
		UseJitter:   a.cfg.Sync.RetryUseJitter,
	}
	engine := syncengine.New(store, client, policy, syncengine.Config{
		BatchSize:       a.cfg.Sync.BatchSize,
		ConnectivityTTL: syncengine.DefaultConfig().ConnectivityTTL,
	})

	switch {
	case a.offlineCountFlag:
		return a.runOfflineCount(store)
	case a.todayFlag:
		return a.runToday(cmd.Context(), client)
	case a.syncOfflineActivity != "":
		return a.runManualSync(cmd.Context(), engine, store)
	}

	if a.entity == "" {
		return newCLIError(exitMalformed, fmt.Errorf("--entity is required"))
	}
	return a.runHeartbeat(cmd, store, engine)
}

func (a *app) initLogging() {
	level := logging.LevelInfo
	if a.verbose {
		level = logging.LevelDebug
	}
	format := logging.FormatText
	if a.output == "json" {
		// Debug logs must never share a stream with structured stdout.
		format = logging.FormatJSON
	}
	path := a.logFile
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".chronova.log")
		} else {
			path = ".chronova.log"
		}
	}
	logger := logging.NewFileLogger(path, level, format, 10, 3, 28)
	logging.SetGlobal(logger)
}

func openQueue() (*queue.Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolving home directory: %w", err)
	}
	dir := filepath.Join(home, ".chronova")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating queue directory: %w", err)
	}
	store, err := queue.Open(filepath.Join(dir, "queue.db"))
	if err != nil {
		return nil, err
	}
	// Entries a previous process left claimed mid-sync go back to Pending.
	if _, err := store.RecoverInFlight(); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func (a *app) runConfigRead() error {
	value, ok := a.loader.Get(a.configRead)
	if !ok {
		return newCLIError(exitConfigError, fmt.Errorf("unknown config key %q", a.configRead))
	}
	a.emit(runResult{Status: "ok", Message: value})
	return nil
}

func (a *app) runConfigWrite() error {
	key, value, ok := splitKeyValue(a.configWrite)
	if !ok {
		return newCLIError(exitMalformed, fmt.Errorf("--config-write expects \"section.key=value\", got %q", a.configWrite))
	}
	if err := a.loader.Set(key, value); err != nil {
		return newCLIError(exitConfigError, err)
	}
	a.emit(runResult{Status: "ok", Message: fmt.Sprintf("wrote %s", key)})
	return nil
}

func splitKeyValue(raw string) (key, value string, ok bool) {
	for i := 0; i < len(raw); i++ {
		if raw[i] == '=' {
			return raw[:i], raw[i+1:], true
		}
	}
	return "", "", false
}

func (a *app) runOfflineCount(store *queue.Store) error {
	pending, err := store.CountByStatus(queue.Pending)
	if err != nil {
		return newCLIError(exitConfigError, err)
	}
	failed, err := store.CountByStatus(queue.Failed)
	if err != nil {
		return newCLIError(exitConfigError, err)
	}
	count := pending + failed
	a.emit(runResult{Status: "ok", Message: strconv.Itoa(count), QueueDepth: count})
	return nil
}

func (a *app) runToday(ctx context.Context, client *apiclient.Client) error {
	status, err := client.GetTodayStatusbar(ctx)
	if err != nil {
		return newCLIError(classifyExit(err), err)
	}
	a.emit(runResult{Status: "ok", Message: status.Text})
	return nil
}

func (a *app) runManualSync(ctx context.Context, engine *syncengine.Engine, store *queue.Store) error {
	if a.syncOfflineActivity == "none" {
		a.emit(runResult{Status: "ok", Message: "sync skipped"})
		return nil
	}
	limit, err := strconv.Atoi(a.syncOfflineActivity)
	if err != nil {
		return newCLIError(exitMalformed, fmt.Errorf("--sync-offline-activity expects an integer or \"none\", got %q", a.syncOfflineActivity))
	}

	result, err := engine.ManualSync(ctx, limit)
	depth := queuedepth(store)
	if err != nil {
		return newCLIError(classifyExit(err), err)
	}
	if result.PermanentFailures > 0 || result.Failed > 0 {
		logging.Warn("manual sync completed with unsynced entries", map[string]interface{}{
			"failed":             result.Failed,
			"permanent_failures": result.PermanentFailures,
		})
	}
	msg := fmt.Sprintf("synced %d of %d queued entries", result.Succeeded, result.Attempted)
	a.emit(runResult{Status: "ok", Message: msg, QueueDepth: depth})
	return nil
}

func (a *app) runHeartbeat(cmd *cobra.Command, store *queue.Store, engine *syncengine.Engine) error {
	coll := collector.New()
	ua := collector.UserAgent(version, "", "", a.plugin, "")

	p := pipeline.New(store, engine, coll,
		pipeline.WithIgnorePatterns(a.cfg.IgnorePatterns()),
		pipeline.WithIncludePatterns(a.cfg.IncludePatterns()),
		pipeline.WithPrivacy(a.cfg.HideFileNames, a.cfg.HideProjectNames),
		pipeline.WithUserAgent(ua),
	)

	req := pipeline.Request{
		Entity:            a.entity,
		EntityType:        heartbeat.EntityType(a.entityType),
		Time:              a.timeFlag,
		Project:           a.project,
		AlternateProject:  a.alternateProject,
		Language:          a.language,
		AlternateLanguage: a.alternateLanguage,
		Category:          a.category,
		IsWrite:           a.isWrite,
		Plugin:            a.plugin,
	}
	if cmd.Flags().Changed("lines") {
		req.Lines = &a.lines
	}
	if cmd.Flags().Changed("lineno") {
		req.LineNo = &a.lineNo
	}
	if cmd.Flags().Changed("cursorpos") {
		req.CursorPos = &a.cursorPos
	}
	if a.extraHeartbeats {
		data, err := readStdin(cmd.InOrStdin())
		if err != nil {
			return newCLIError(exitMalformed, fmt.Errorf("reading --extra-heartbeats from stdin: %w", err))
		}
		req.ExtraHeartbeats = data
	}

	result, err := p.Run(cmd.Context(), req)
	if err != nil {
		// Queue.add failure is fatal per the pipeline's error-handling
		// contract; everything else the pipeline reports is advisory.
		return newCLIError(exitConfigError, err)
	}

	if result.Ignored {
		a.emit(runResult{Status: "ok", Message: "entity matched an ignore pattern, skipped"})
		return nil
	}

	for _, w := range result.Warnings {
		logging.Warn("dropped malformed extra heartbeat", map[string]interface{}{"detail": w})
	}

	// Queue.add already succeeded by this point, which is the pipeline's
	// user-visible success criterion; a failed opportunistic sync just
	// means a later invocation drains the entry instead.
	depth := queuedepth(store)
	if result.SyncErr != nil {
		a.emit(runResult{
			Status:     "ok",
			Message:    fmt.Sprintf("queued %d heartbeat(s); sync deferred (%v)", result.Enqueued, result.SyncErr),
			QueueDepth: depth,
		})
		return nil
	}

	a.emit(runResult{
		Status:     "ok",
		Message:    fmt.Sprintf("queued %d heartbeat(s)", result.Enqueued),
		QueueDepth: depth,
	})
	return nil
}

func queuedepth(store *queue.Store) int {
	pending, _ := store.CountByStatus(queue.Pending)
	failed, _ := store.CountByStatus(queue.Failed)
	return pending + failed
}

func readStdin(r io.Reader) ([]byte, error) {
	br := bufio.NewReader(r)
	return io.ReadAll(br)
}

// classifyExit maps a sync/API failure onto the exit-code contract.
// Anything it doesn't recognize is treated as an unreachable backend
// rather than a hard failure, since the heartbeat itself was already
// durably queued.
func classifyExit(err error) int {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return exitAPIUnreachable
	}
	switch apperrors.CodeOf(err) {
	case apperrors.Auth:
		return exitAPIUnreachable
	case apperrors.RateLimit:
		return exitRateLimited
	case apperrors.Config:
		return exitConfigError
	default:
		return exitAPIUnreachable
	}
}

func (a *app) emit(res runResult) {
	a.out = res
	if a.output == "json" {
		enc := json.NewEncoder(os.Stdout)
		_ = enc.Encode(res)
		return
	}
	fmt.Fprintln(os.Stdout, res.Message)
}

func (a *app) reportError(err error) {
	msg := err.Error()
	res := runResult{Status: "error", Message: msg}
	if a.output == "json" {
		enc := json.NewEncoder(os.Stdout)
		_ = enc.Encode(res)
		return
	}
	fmt.Fprintln(os.Stderr, msg)
}
