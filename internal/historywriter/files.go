package historywriter

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/g960059/labelfsm/internal/api"
	"github.com/g960059/labelfsm/internal/config"
	"github.com/g960059/labelfsm/internal/model"
)

// fileBase owns the output file and the kind filter shared by file formats.
type fileBase struct {
	kind string
	path string
	f    *os.File
	buf  *bufio.Writer
}

func openFileBase(kind, path string) (*fileBase, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open history file: %w", err)
	}
	return &fileBase{kind: kind, path: path, f: f, buf: bufio.NewWriter(f)}, nil
}

func (b *fileBase) Path() string {
	return b.path
}

func (b *fileBase) flush() error {
	if err := b.buf.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", b.path, err)
	}
	return nil
}

func (b *fileBase) empty() bool {
	info, err := b.f.Stat()
	return err == nil && info.Size() == 0
}

func (b *fileBase) Close() error {
	if b.f == nil {
		return nil
	}
	ferr := b.flush()
	cerr := b.f.Close()
	b.f = nil
	if ferr != nil {
		return ferr
	}
	if cerr != nil {
		return fmt.Errorf("close %s: %w", b.path, cerr)
	}
	return nil
}

func newFileWriter(wc config.WriterConfig, path string) (Writer, error) {
	base, err := openFileBase(wc.Kind, path)
	if err != nil {
		return nil, err
	}
	switch wc.Format {
	case "txt":
		return &textWriter{fileBase: base}, nil
	case "json":
		return &jsonWriter{fileBase: base, enc: json.NewEncoder(base.buf)}, nil
	case "yaml":
		enc := yaml.NewEncoder(base.buf)
		enc.SetIndent(2)
		return &yamlWriter{fileBase: base, enc: enc}, nil
	case "csv":
		w := &csvWriter{fileBase: base, w: csv.NewWriter(base.buf)}
		if base.empty() {
			if err := w.w.Write(csvHeader); err != nil {
				_ = base.Close()
				return nil, fmt.Errorf("write csv header: %w", err)
			}
		}
		return w, nil
	default:
		_ = base.Close()
		return nil, fmt.Errorf("%w: format %q", ErrUnsupported, wc.Format)
	}
}

// textWriter writes raw labels as space separated ids and stable history as
// one key=value line per event.
type textWriter struct {
	*fileBase
	tracker eventTracker
}

func (w *textWriter) Begin(run model.RunInfo) error {
	if w.kind == KindRaw {
		fmt.Fprintf(w.buf, "# run=%s started=%s\n", run.RunID, api.Timestamp(run.StartedAt))
		return w.flush()
	}
	fmt.Fprintf(w.buf, "# run=%s started=%s strategy=%s default_profile=%s\n",
		run.RunID, api.Timestamp(run.StartedAt), run.Strategy, run.DefaultProfile)
	for _, p := range run.Profiles {
		seqs := make([]string, 0, len(p.ExpectedSequences))
		for _, seq := range p.ExpectedSequences {
			seqs = append(seqs, "["+strings.Join(model.StateNames(seq), " ")+"]")
		}
		fmt.Fprintf(w.buf, "# profile=%s init=[%s] sequences=%s\n",
			p.Name, strings.Join(model.StateNames(p.InitStates), " "), strings.Join(seqs, ","))
	}
	return w.flush()
}

func (w *textWriter) WriteLabel(label model.RawLabel) error {
	if w.kind != KindRaw {
		return nil
	}
	fmt.Fprintf(w.buf, "%d ", label.ClsID)
	return w.flush()
}

func (w *textWriter) WriteStep(r model.StepResult) error {
	if w.kind != KindStable {
		return nil
	}
	for _, ev := range w.tracker.events(r) {
		fmt.Fprintf(w.buf, "time=%s step=%d type=%s profile=%s state=%s count=%d\n",
			ev.Timestamp.Format("15:04:05"), ev.Step, ev.Type, ev.Profile, ev.State, ev.Count)
	}
	if wantsRuntime(r) {
		fmt.Fprintf(w.buf, "runtime step=%d profile=%s counters=%s history=[%s]\n",
			r.StepIndex, r.ActiveProfile, formatCounters(r), strings.Join(model.StateNames(r.History), " "))
	}
	return w.flush()
}

func (w *textWriter) Close() error {
	if w.f != nil && w.kind == KindRaw {
		_, _ = w.buf.WriteString("\n")
	}
	return w.fileBase.Close()
}

// jsonWriter writes one JSON object per line. Stable kind records every step.
type jsonWriter struct {
	*fileBase
	enc *json.Encoder
}

type jsonRecord struct {
	Type  string             `json:"type"`
	Run   *api.RunResponse   `json:"run,omitempty"`
	Label *api.LabelResponse `json:"label,omitempty"`
	Step  *api.StepResponse  `json:"step,omitempty"`
}

func (w *jsonWriter) encode(rec jsonRecord) error {
	if err := w.enc.Encode(rec); err != nil {
		return fmt.Errorf("encode %s record: %w", rec.Type, err)
	}
	return w.flush()
}

func (w *jsonWriter) Begin(run model.RunInfo) error {
	resp := api.FromRunInfo(run)
	return w.encode(jsonRecord{Type: "run", Run: &resp})
}

func (w *jsonWriter) WriteLabel(label model.RawLabel) error {
	if w.kind != KindRaw {
		return nil
	}
	resp := api.FromRawLabel(label)
	return w.encode(jsonRecord{Type: "label", Label: &resp})
}

func (w *jsonWriter) WriteStep(r model.StepResult) error {
	if w.kind != KindStable {
		return nil
	}
	resp := api.FromStepResult(r)
	return w.encode(jsonRecord{Type: "step", Step: &resp})
}

// yamlWriter emits a YAML stream: the configuration document first, then one
// document per event and a runtime document after stages and switches.
type yamlWriter struct {
	*fileBase
	enc     *yaml.Encoder
	tracker eventTracker
}

type yamlConfiguration struct {
	Configuration api.RunResponse `yaml:"configuration"`
}

type yamlRuntime struct {
	Runtime struct {
		Step          int            `yaml:"step"`
		ActiveProfile string         `yaml:"active_profile"`
		Counters      map[string]int `yaml:"counters"`
		History       []string       `yaml:"history"`
	} `yaml:"runtime"`
}

func (w *yamlWriter) encode(v any) error {
	if err := w.enc.Encode(v); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return w.flush()
}

func (w *yamlWriter) Begin(run model.RunInfo) error {
	return w.encode(yamlConfiguration{Configuration: api.FromRunInfo(run)})
}

func (w *yamlWriter) WriteLabel(label model.RawLabel) error {
	if w.kind != KindRaw {
		return nil
	}
	return w.encode(api.FromRawLabel(label))
}

func (w *yamlWriter) WriteStep(r model.StepResult) error {
	if w.kind != KindStable {
		return nil
	}
	for _, ev := range w.tracker.events(r) {
		if err := w.enc.Encode(ev); err != nil {
			return fmt.Errorf("encode yaml event: %w", err)
		}
	}
	if wantsRuntime(r) {
		var rt yamlRuntime
		rt.Runtime.Step = r.StepIndex
		rt.Runtime.ActiveProfile = r.ActiveProfile
		rt.Runtime.Counters = countersByName(r)
		rt.Runtime.History = model.StateNames(r.History)
		if err := w.enc.Encode(rt); err != nil {
			return fmt.Errorf("encode yaml runtime: %w", err)
		}
	}
	return w.flush()
}

func (w *yamlWriter) Close() error {
	if w.f != nil {
		if err := w.enc.Close(); err != nil {
			_ = w.fileBase.Close()
			return fmt.Errorf("close yaml encoder: %w", err)
		}
	}
	return w.fileBase.Close()
}

var csvHeader = []string{"event_type", "value", "profile", "step", "timestamp"}

type csvWriter struct {
	*fileBase
	w       *csv.Writer
	tracker eventTracker
}

func (w *csvWriter) row(fields ...string) error {
	if err := w.w.Write(fields); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	return nil
}

func (w *csvWriter) commit() error {
	w.w.Flush()
	if err := w.w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return w.flush()
}

func (w *csvWriter) Begin(run model.RunInfo) error {
	if err := w.row("run", run.RunID, run.DefaultProfile, "0", api.Timestamp(run.StartedAt)); err != nil {
		return err
	}
	return w.commit()
}

func (w *csvWriter) WriteLabel(label model.RawLabel) error {
	if w.kind != KindRaw {
		return nil
	}
	if err := w.row("label", strconv.Itoa(label.ClsID), "", strconv.Itoa(label.StepIndex), api.Timestamp(label.Timestamp)); err != nil {
		return err
	}
	return w.commit()
}

func (w *csvWriter) WriteStep(r model.StepResult) error {
	if w.kind != KindStable {
		return nil
	}
	for _, ev := range w.tracker.events(r) {
		value := ev.State
		if ev.Type == EventProfileChanged {
			value = ev.Profile
		}
		if err := w.row(ev.Type, value, ev.Profile, strconv.Itoa(ev.Step), api.Timestamp(ev.Timestamp)); err != nil {
			return err
		}
	}
	return w.commit()
}

func (w *csvWriter) Close() error {
	if w.f != nil {
		w.w.Flush()
	}
	return w.fileBase.Close()
}

// countersByName keys the active profile counters by state name. States
// missing from the history snapshot keep their numeric id.
func countersByName(r model.StepResult) map[string]int {
	names := map[int]string{r.State.ClsID: r.State.Name}
	for _, st := range r.History {
		names[st.ClsID] = st.Name
	}
	out := make(map[string]int, len(r.Counters))
	for id, n := range r.Counters {
		name, ok := names[id]
		if !ok {
			name = strconv.Itoa(id)
		}
		out[name] = n
	}
	return out
}

func formatCounters(r model.StepResult) string {
	byName := countersByName(r)
	keys := make([]string, 0, len(byName))
	for k := range byName {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%d", k, byName[k]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}
