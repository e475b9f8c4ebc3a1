package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/g960059/labelfsm/internal/api"
	"github.com/g960059/labelfsm/internal/config"
	"github.com/g960059/labelfsm/internal/db"
	"github.com/g960059/labelfsm/internal/historywriter"
)

type Runner struct {
	cfg    config.Config
	in     io.Reader
	out    io.Writer
	errOut io.Writer
	now    func() time.Time
}

func NewRunner(cfg config.Config, in io.Reader, out, errOut io.Writer) *Runner {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{
		cfg:    cfg,
		in:     in,
		out:    out,
		errOut: errOut,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		r.printUsage()
		return 2
	}
	switch args[0] {
	case "validate":
		return r.runValidate(args[1:])
	case "run":
		return r.runReplay(ctx, args[1:])
	case "runs":
		return r.runRuns(ctx, args[1:])
	case "steps":
		return r.runSteps(ctx, args[1:])
	case "purge":
		return r.runPurge(ctx, args[1:])
	case "serve":
		return r.runServe(ctx, args[1:])
	case "push":
		return r.runPush(ctx, args[1:])
	case "status":
		return r.runStatus(ctx, args[1:])
	case "help", "-h", "--help":
		r.printUsage()
		return 0
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", args[0])
		r.printUsage()
		return 2
	}
}

func (r *Runner) runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "FSM config file (yaml or json)")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if strings.TrimSpace(*configPath) == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: labelfsm validate -config <file> [-json]")
		return 2
	}
	cfg, err := config.LoadFsmConfig(*configPath)
	if err != nil {
		return r.handleErr(err)
	}
	resp := api.ValidateResponse{
		SchemaVersion:  api.SchemaVersion,
		Enable:         cfg.Enable,
		Strategy:       cfg.Strategy.String(),
		DefaultProfile: cfg.DefaultProfile,
		States:         len(cfg.States),
		Profiles:       make([]string, 0, len(cfg.Profiles)),
		Writers:        make([]string, 0, len(cfg.Writers)),
	}
	for _, p := range cfg.Profiles {
		resp.Profiles = append(resp.Profiles, p.Name)
	}
	for _, w := range cfg.Writers {
		resp.Writers = append(resp.Writers, w.Kind+"/"+w.Format+":"+w.Name)
	}
	if *jsonOut {
		return r.writeJSON(resp)
	}
	_, _ = fmt.Fprintf(r.out, "ok\tstrategy=%s\tdefault=%s\tstates=%d\tprofiles=%s\n",
		resp.Strategy, resp.DefaultProfile, resp.States, strings.Join(resp.Profiles, ","))
	return 0
}

func (r *Runner) runReplay(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "FSM config file (yaml or json)")
	labelsPath := fs.String("labels", "-", "label script, - for stdin")
	profile := fs.String("profile", "", "activate profile by name before the first label")
	mappedID := fs.Int("mapped-id", -1, "activate profile by mapped id before the first label")
	dbPath := fs.String("db", "", "also record the run in this SQLite database")
	logDir := fs.String("log-dir", r.cfg.LogDir, "directory for file history writers")
	logLevel := fs.String("log-level", r.cfg.LogLevel, "debug|info|warn|error")
	jsonOut := fs.Bool("json", false, "output one JSON step per line")
	quiet := fs.Bool("quiet", false, "print only the summary")
	metrics := fs.Bool("metrics", false, "dump Prometheus metrics to stderr on exit")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if strings.TrimSpace(*configPath) == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: labelfsm run -config <file> [-labels <file>|-] [-profile <name>] [-mapped-id <id>] [-db <path>] [-json]")
		return 2
	}
	level, err := parseLevel(*logLevel)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	fsmCfg, err := config.LoadFsmConfig(*configPath)
	if err != nil {
		return r.handleErr(err)
	}
	input, closeInput, err := r.openInput(*labelsPath)
	if err != nil {
		return r.handleErr(err)
	}
	defer closeInput()

	eng, err := r.newEngine(ctx, fsmCfg, engineOptions{dbPath: *dbPath, logDir: *logDir, level: level})
	if err != nil {
		return r.handleErr(err)
	}
	fsm, m := eng.fsm, eng.metrics

	code := r.replay(fsm, input, replayOptions{
		profile:  *profile,
		mappedID: *mappedID,
		jsonOut:  *jsonOut,
		quiet:    *quiet,
	})
	if err := eng.Close(); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: close history: %v\n", err)
		if code == 0 {
			code = 1
		}
	}
	if *metrics {
		if err := m.WriteText(r.errOut); err != nil {
			_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		}
	}
	return code
}

func (r *Runner) openInput(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return r.in, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open labels: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// withSQLiteWriters adds raw and stable sqlite writers unless the config
// already declares them.
func withSQLiteWriters(writers []config.WriterConfig) []config.WriterConfig {
	have := map[string]bool{}
	for _, w := range writers {
		if w.Format == "sqlite" {
			have[w.Kind] = true
		}
	}
	out := append([]config.WriterConfig(nil), writers...)
	for _, kind := range []string{historywriter.KindRaw, historywriter.KindStable} {
		if !have[kind] {
			out = append(out, config.WriterConfig{Kind: kind, Format: "sqlite", Name: "history.db"})
		}
	}
	return out
}

func (r *Runner) runRuns(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dbPath := fs.String("db", r.cfg.DBPath, "SQLite path")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	store, err := openStore(ctx, *dbPath)
	if err != nil {
		return r.handleErr(err)
	}
	defer store.Close() //nolint:errcheck

	runs, err := store.ListRuns(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	env := api.RunsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   r.now(),
		Runs:          make([]api.RunResponse, 0, len(runs)),
	}
	for _, run := range runs {
		env.Runs = append(env.Runs, api.FromRunRecord(run))
	}
	if *jsonOut {
		return r.writeJSON(env)
	}
	for _, run := range runs {
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\t%d\n",
			run.RunID, api.Timestamp(run.StartedAt), run.Strategy, run.DefaultProfile, run.Steps)
	}
	return 0
}

func (r *Runner) runSteps(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("steps", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dbPath := fs.String("db", r.cfg.DBPath, "SQLite path")
	runID := fs.String("run", "", "run id")
	events := fs.Bool("events", false, "only steps that completed a stage or switched profile")
	limit := fs.Int("limit", 0, "maximum number of steps")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if strings.TrimSpace(*runID) == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: labelfsm steps -run <id> [-db <path>] [-events] [-limit N] [-json]")
		return 2
	}
	store, err := openStore(ctx, *dbPath)
	if err != nil {
		return r.handleErr(err)
	}
	defer store.Close() //nolint:errcheck

	if _, err := store.GetRun(ctx, *runID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return r.handleErr(fmt.Errorf("run %s: %w", *runID, err))
		}
		return r.handleErr(err)
	}
	steps, err := store.ListSteps(ctx, db.StepFilter{RunID: *runID, EventsOnly: *events, Limit: *limit})
	if err != nil {
		return r.handleErr(err)
	}
	env := api.StepsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   r.now(),
		RunID:         *runID,
		Steps:         make([]api.StepResponse, 0, len(steps)),
	}
	for _, st := range steps {
		env.Steps = append(env.Steps, api.FromStepRecord(st))
	}
	if *jsonOut {
		return r.writeJSON(env)
	}
	for _, st := range env.Steps {
		r.printStep(st)
	}
	return 0
}

func (r *Runner) runPurge(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dbPath := fs.String("db", r.cfg.DBPath, "SQLite path")
	maxAgeDays := fs.Int("max-age-days", config.DefaultMaxAgeDays, "delete runs older than this")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if *maxAgeDays < 0 {
		_, _ = fmt.Fprintln(r.errOut, "error: -max-age-days must be >= 0")
		return 2
	}
	store, err := openStore(ctx, *dbPath)
	if err != nil {
		return r.handleErr(err)
	}
	defer store.Close() //nolint:errcheck

	n, err := store.PurgeBefore(ctx, r.now().Add(-time.Duration(*maxAgeDays)*24*time.Hour))
	if err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "purged %d runs\n", n)
	return 0
}

func openStore(ctx context.Context, path string) (*db.Store, error) {
	store, err := db.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func (r *Runner) printStep(st api.StepResponse) {
	flags := make([]string, 0, 5)
	if st.Stable {
		flags = append(flags, "stable")
	}
	if st.Resetter {
		flags = append(flags, "reset")
	}
	if st.Breaker {
		flags = append(flags, "break")
	}
	if st.ProfileChanged {
		flags = append(flags, "switch:"+st.PrevProfile+"->"+st.ActiveProfile)
	}
	if st.StageDone {
		flags = append(flags, "stage_done")
	}
	_, _ = fmt.Fprintf(r.out, "%d\t%d\t%s\t%s\t%s\t[%s]\n",
		st.Step, st.ClsID, st.State, st.ActiveProfile, strings.Join(flags, ","), strings.Join(st.History, " "))
}

func (r *Runner) writeJSON(v any) int {
	enc := json.NewEncoder(r.out)
	if err := enc.Encode(v); err != nil {
		return r.handleErr(err)
	}
	return 0
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: labelfsm <validate|run|serve|push|status|runs|steps|purge> ...")
}
