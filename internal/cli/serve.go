package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/g960059/labelfsm/internal/appclient"
	"github.com/g960059/labelfsm/internal/config"
	"github.com/g960059/labelfsm/internal/daemon"
	"github.com/g960059/labelfsm/internal/db"
	"github.com/g960059/labelfsm/internal/historywriter"
	"github.com/g960059/labelfsm/internal/stateengine"
	"github.com/g960059/labelfsm/internal/telemetry"
)

type engineOptions struct {
	dbPath string
	logDir string
	level  slog.Level
}

// engine bundles an Fsm with the resources it owns.
type engine struct {
	fsm      *stateengine.Fsm
	metrics  *telemetry.Metrics
	registry *prometheus.Registry
	logger   *slog.Logger
	store    *db.Store
}

func (r *Runner) newEngine(ctx context.Context, fsmCfg config.FsmConfig, opts engineOptions) (*engine, error) {
	logger := slog.New(slog.NewTextHandler(r.errOut, &slog.HandlerOptions{Level: opts.level}))
	reg := prometheus.NewRegistry()
	m, err := telemetry.NewMetrics(reg)
	if err != nil {
		return nil, err
	}
	eng := &engine{metrics: m, registry: reg, logger: logger}

	if opts.dbPath != "" {
		eng.store, err = openStore(ctx, opts.dbPath)
		if err != nil {
			return nil, err
		}
		fsmCfg.Writers = withSQLiteWriters(fsmCfg.Writers)
	}
	writer, err := historywriter.FromConfig(ctx, fsmCfg.Writers, historywriter.Options{
		Dir:          opts.logDir,
		Store:        eng.store,
		Logger:       logger,
		Now:          r.now,
		Buffer:       r.cfg.WriterBuffer,
		CloseTimeout: r.cfg.CloseTimeout,
		OnDrop:       m.WriterDropped,
	})
	if err != nil {
		eng.closeStore()
		return nil, err
	}

	fsmOpts := []stateengine.Option{
		stateengine.WithLogger(logger),
		stateengine.WithObserver(m),
		stateengine.WithClock(r.now),
	}
	if writer != nil {
		fsmOpts = append(fsmOpts, stateengine.WithHistoryWriter(writer))
	}
	eng.fsm, err = stateengine.New(fsmCfg, fsmOpts...)
	if err != nil {
		if writer != nil {
			_ = writer.Close()
		}
		eng.closeStore()
		return nil, err
	}
	return eng, nil
}

// Close flushes history writers before releasing the shared store.
func (e *engine) Close() error {
	err := e.fsm.Close()
	if e.store != nil {
		err = errors.Join(err, e.store.Close())
	}
	return err
}

func (e *engine) closeStore() {
	if e.store != nil {
		_ = e.store.Close()
	}
}

func (r *Runner) runServe(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "FSM config file (yaml or json)")
	socketPath := fs.String("socket", r.cfg.SocketPath, "unix socket path")
	dbPath := fs.String("db", "", "also record the run in this SQLite database")
	logDir := fs.String("log-dir", r.cfg.LogDir, "directory for file history writers")
	logLevel := fs.String("log-level", r.cfg.LogLevel, "debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if strings.TrimSpace(*configPath) == "" || strings.TrimSpace(*socketPath) == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: labelfsm serve -config <file> [-socket <path>] [-db <path>] [-log-dir <dir>]")
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
	eng, err := r.newEngine(ctx, fsmCfg, engineOptions{dbPath: *dbPath, logDir: *logDir, level: level})
	if err != nil {
		return r.handleErr(err)
	}

	cfg := r.cfg
	cfg.SocketPath = *socketPath
	srv := daemon.NewServer(cfg, eng.fsm, eng.registry)
	eng.logger.Info("daemon listening", "socket", cfg.SocketPath, "run_id", eng.fsm.RunID())
	serveErr := srv.Start(ctx)
	closeErr := eng.Close()
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return r.handleErr(serveErr)
	}
	if closeErr != nil {
		return r.handleErr(fmt.Errorf("close history: %w", closeErr))
	}
	eng.logger.Info("daemon stopped")
	return 0
}

// runPush forwards labels to a running daemon. Labels come from positional
// arguments, or from -labels using the run script syntax.
func (r *Runner) runPush(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("push", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	socketPath := fs.String("socket", r.cfg.SocketPath, "unix socket path")
	labelsPath := fs.String("labels", "", "label script, - for stdin")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if (*labelsPath == "") == (fs.NArg() == 0) {
		_, _ = fmt.Fprintln(r.errOut, "usage: labelfsm push [-socket <path>] [-json] (<label>... | -labels <file>|-)")
		return 2
	}

	var cmds []command
	if *labelsPath != "" {
		input, closeInput, err := r.openInput(*labelsPath)
		if err != nil {
			return r.handleErr(err)
		}
		defer closeInput()
		cmds, err = parseScript(input)
		if err != nil {
			return r.handleErr(err)
		}
	} else {
		labels := make([]int, 0, fs.NArg())
		for _, arg := range fs.Args() {
			id, err := strconv.Atoi(arg)
			if err != nil {
				_, _ = fmt.Fprintf(r.errOut, "error: invalid label %q\n", arg)
				return 2
			}
			labels = append(labels, id)
		}
		cmds = []command{{line: 1, op: "labels", labels: labels}}
	}

	client := appclient.New(*socketPath)
	for _, cmd := range cmds {
		if err := r.pushCommand(ctx, client, cmd, *jsonOut); err != nil {
			return r.handleErr(err)
		}
	}
	return 0
}

func (r *Runner) pushCommand(ctx context.Context, client *appclient.Client, cmd command, jsonOut bool) error {
	switch cmd.op {
	case "labels":
		env, err := client.PushLabels(ctx, cmd.labels)
		if err != nil {
			return fmt.Errorf("line %d: %w", cmd.line, err)
		}
		if jsonOut {
			return json.NewEncoder(r.out).Encode(env)
		}
		for _, st := range env.Steps {
			r.printStep(st)
		}
		return nil
	case "switch":
		_, err := client.SwitchByName(ctx, cmd.arg)
		return err
	case "mapped":
		id, err := strconv.Atoi(cmd.arg)
		if err != nil {
			return fmt.Errorf("line %d: %w", cmd.line, err)
		}
		_, err = client.SwitchByMappedID(ctx, id)
		return err
	case "reset":
		_, err := client.Reset(ctx, cmd.arg)
		return err
	default:
		return fmt.Errorf("line %d: unsupported command %q", cmd.line, cmd.op)
	}
}

func (r *Runner) runStatus(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	socketPath := fs.String("socket", r.cfg.SocketPath, "unix socket path")
	wait := fs.Duration("wait", 0, "wait up to this long for the daemon to come up")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	client := appclient.New(*socketPath)
	if *wait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, *wait)
		err := client.WaitReady(waitCtx, 50*time.Millisecond, time.Second)
		cancel()
		if err != nil {
			return r.handleErr(err)
		}
	}
	status, err := client.Status(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeJSON(status)
	}
	_, _ = fmt.Fprintf(r.out, "run=%s\tenable=%t\tstrategy=%s\tprofile=%s\tprofiles=%s\n",
		status.RunID, status.Enable, status.Strategy, status.ActiveProfile, strings.Join(status.Profiles, ","))
	if status.Last != nil {
		r.printStep(*status.Last)
	}
	return 0
}
