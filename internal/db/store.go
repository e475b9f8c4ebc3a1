package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/labelfsm/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
	ErrNoRun     = errors.New("run not registered")
)

type Store struct {
	db *sql.DB
}

// RunRecord is one persisted engine run.
type RunRecord struct {
	RunID          string
	StartedAt      time.Time
	Strategy       string
	DefaultProfile string
	Profiles       []string
	Steps          int64
}

// StepRecord is one persisted step snapshot. History holds state names in
// chronological order.
type StepRecord struct {
	RunID          string
	StepIndex      int
	ClsID          int
	StateName      string
	ActiveProfile  string
	PrevProfile    string
	Resetter       bool
	Breaker        bool
	Stable         bool
	StageDone      bool
	ProfileChanged bool
	Counters       map[int]int
	History        []string
	RecordedAt     time.Time
}

type StepFilter struct {
	RunID string
	// EventsOnly keeps steps that completed a stage or switched profile.
	EventsOnly bool
	Limit      int
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = db.Close()
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) InsertRun(ctx context.Context, run model.RunInfo) error {
	if strings.TrimSpace(run.RunID) == "" {
		return fmt.Errorf("insert run: empty run id")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	names := make([]string, 0, len(run.Profiles))
	for _, p := range run.Profiles {
		names = append(names, p.Name)
	}
	profiles, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("marshal profiles: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO runs(run_id, started_at, strategy, default_profile, profiles_json)
VALUES (?, ?, ?, ?, ?)`,
		run.RunID, ts(run.StartedAt), run.Strategy.String(), run.DefaultProfile, string(profiles),
	)
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT r.run_id, r.started_at, r.strategy, r.default_profile, r.profiles_json,
	(SELECT COUNT(*) FROM steps st WHERE st.run_id = r.run_id)
FROM runs r
WHERE r.run_id = ?`, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunRecord{}, ErrNotFound
		}
		return RunRecord{}, err
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT r.run_id, r.started_at, r.strategy, r.default_profile, r.profiles_json,
	(SELECT COUNT(*) FROM steps st WHERE st.run_id = r.run_id)
FROM runs r
ORDER BY r.started_at ASC, r.run_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]RunRecord, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func scanRun(scanner interface{ Scan(dest ...any) error }) (RunRecord, error) {
	var (
		run       RunRecord
		startedAt string
		profiles  string
	)
	if err := scanner.Scan(&run.RunID, &startedAt, &run.Strategy, &run.DefaultProfile, &profiles, &run.Steps); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunRecord{}, err
		}
		return RunRecord{}, fmt.Errorf("scan run: %w", err)
	}
	var err error
	if run.StartedAt, err = parseTS(startedAt); err != nil {
		return RunRecord{}, fmt.Errorf("parse run started_at: %w", err)
	}
	if err := json.Unmarshal([]byte(profiles), &run.Profiles); err != nil {
		return RunRecord{}, fmt.Errorf("unmarshal run profiles: %w", err)
	}
	return run, nil
}

func (s *Store) InsertRawLabel(ctx context.Context, label model.RawLabel) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO raw_labels(run_id, step_index, cls_id, recorded_at)
VALUES (?, ?, ?, ?)`,
		label.RunID, label.StepIndex, label.ClsID, ts(label.Timestamp),
	)
	return classifyInsert("insert raw label", err)
}

func (s *Store) ListRawLabels(ctx context.Context, runID string) ([]model.RawLabel, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, step_index, cls_id, recorded_at
FROM raw_labels
WHERE run_id = ?
ORDER BY step_index ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list raw labels: %w", err)
	}
	defer rows.Close()

	out := make([]model.RawLabel, 0)
	for rows.Next() {
		var (
			label model.RawLabel
			at    string
		)
		if err := rows.Scan(&label.RunID, &label.StepIndex, &label.ClsID, &at); err != nil {
			return nil, fmt.Errorf("scan raw label: %w", err)
		}
		if label.Timestamp, err = parseTS(at); err != nil {
			return nil, fmt.Errorf("parse raw label time: %w", err)
		}
		out = append(out, label)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate raw labels: %w", err)
	}
	return out, nil
}

func (s *Store) InsertStep(ctx context.Context, result model.StepResult) error {
	counters, err := marshalCounters(result.Counters)
	if err != nil {
		return err
	}
	history, err := json.Marshal(model.StateNames(result.History))
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO steps(run_id, step_index, cls_id, state_name, active_profile, prev_profile,
	resetter, breaker, stable, stage_done, profile_changed, counters_json, history_json, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.RunID,
		result.StepIndex,
		result.State.ClsID,
		result.State.Name,
		result.ActiveProfile,
		nullIfEmpty(result.PrevProfile),
		boolToInt(result.Resetter),
		boolToInt(result.Breaker),
		boolToInt(result.Stable),
		boolToInt(result.StageDone),
		boolToInt(result.ProfileChanged),
		counters,
		string(history),
		ts(result.Timestamp),
	)
	return classifyInsert("insert step", err)
}

func (s *Store) ListSteps(ctx context.Context, filter StepFilter) ([]StepRecord, error) {
	query := `
SELECT run_id, step_index, cls_id, state_name, active_profile, COALESCE(prev_profile, ''),
	resetter, breaker, stable, stage_done, profile_changed, counters_json, history_json, recorded_at
FROM steps
WHERE run_id = ?`
	args := []any{filter.RunID}
	if filter.EventsOnly {
		query += ` AND (stage_done = 1 OR profile_changed = 1)`
	}
	query += ` ORDER BY step_index ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	out := make([]StepRecord, 0)
	for rows.Next() {
		var (
			st                                  StepRecord
			resetter, breaker, stable, done, ch int
			counters, history, at               string
		)
		if err := rows.Scan(
			&st.RunID,
			&st.StepIndex,
			&st.ClsID,
			&st.StateName,
			&st.ActiveProfile,
			&st.PrevProfile,
			&resetter,
			&breaker,
			&stable,
			&done,
			&ch,
			&counters,
			&history,
			&at,
		); err != nil {
			return nil, fmt.Errorf("scan step row: %w", err)
		}
		st.Resetter = resetter == 1
		st.Breaker = breaker == 1
		st.Stable = stable == 1
		st.StageDone = done == 1
		st.ProfileChanged = ch == 1
		if st.Counters, err = unmarshalCounters(counters); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(history), &st.History); err != nil {
			return nil, fmt.Errorf("unmarshal history: %w", err)
		}
		if st.RecordedAt, err = parseTS(at); err != nil {
			return nil, fmt.Errorf("parse step time: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return out, nil
}

// PurgeBefore deletes runs started before cutoff together with their labels
// and steps. It returns the number of runs removed.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin retention tx: %w", err)
	}
	const old = `SELECT run_id FROM runs WHERE started_at < ?`
	if _, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE run_id IN (`+old+`)`, ts(cutoff)); err != nil {
		tx.Rollback() //nolint:errcheck
		return 0, fmt.Errorf("delete old steps: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM raw_labels WHERE run_id IN (`+old+`)`, ts(cutoff)); err != nil {
		tx.Rollback() //nolint:errcheck
		return 0, fmt.Errorf("delete old raw labels: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, ts(cutoff))
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return 0, fmt.Errorf("delete old runs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit retention tx: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table))
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count rows %s: %w", table, err)
	}
	return count, nil
}

func classifyInsert(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case isUniqueErr(err):
		return ErrDuplicate
	case isForeignKeyErr(err):
		return fmt.Errorf("%s: %w", op, ErrNoRun)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// marshalCounters writes counters as a JSON object keyed by cls_id in
// ascending order.
func marshalCounters(counters map[int]int) (string, error) {
	if len(counters) == 0 {
		return "{}", nil
	}
	ids := make([]int, 0, len(counters))
	for id := range counters {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	var b strings.Builder
	b.WriteByte('{')
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%q:%d", fmt.Sprint(id), counters[id])
	}
	b.WriteByte('}')
	return b.String(), nil
}

func unmarshalCounters(raw string) (map[int]int, error) {
	out := map[int]int{}
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("unmarshal counters: %w", err)
	}
	return out, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func ts(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(),
		"UNIQUE constraint failed",
		"constraint failed: UNIQUE",
	)
}

func isForeignKeyErr(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(),
		"FOREIGN KEY constraint failed",
		"constraint failed: FOREIGN KEY",
	)
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}
