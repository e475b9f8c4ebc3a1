package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/g960059/labelfsm/internal/api"
	"github.com/g960059/labelfsm/internal/stateengine"
)

type replayOptions struct {
	profile  string
	mappedID int
	jsonOut  bool
	quiet    bool
}

// command is one parsed line of a label script.
type command struct {
	line   int
	op     string
	labels []int
	arg    string
}

// parseScript reads a label script. Each line holds whitespace separated
// class ids, or one of "switch <name>", "mapped <id>", "reset [name]".
// Text after # is ignored.
func parseScript(in io.Reader) ([]command, error) {
	var out []command
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "switch":
			if len(fields) != 2 {
				return nil, fmt.Errorf("line %d: usage: switch <profile>", lineNo)
			}
			out = append(out, command{line: lineNo, op: "switch", arg: fields[1]})
		case "mapped":
			if len(fields) != 2 {
				return nil, fmt.Errorf("line %d: usage: mapped <id>", lineNo)
			}
			if _, err := strconv.Atoi(fields[1]); err != nil {
				return nil, fmt.Errorf("line %d: mapped id %q is not an integer", lineNo, fields[1])
			}
			out = append(out, command{line: lineNo, op: "mapped", arg: fields[1]})
		case "reset":
			if len(fields) > 2 {
				return nil, fmt.Errorf("line %d: usage: reset [profile]", lineNo)
			}
			cmd := command{line: lineNo, op: "reset"}
			if len(fields) == 2 {
				cmd.arg = fields[1]
			}
			out = append(out, cmd)
		default:
			labels := make([]int, 0, len(fields))
			for _, f := range fields {
				id, err := strconv.Atoi(f)
				if err != nil {
					return nil, fmt.Errorf("line %d: label %q is not an integer", lineNo, f)
				}
				labels = append(labels, id)
			}
			out = append(out, command{line: lineNo, op: "labels", labels: labels})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}
	return out, nil
}

func (r *Runner) replay(fsm *stateengine.Fsm, in io.Reader, opts replayOptions) int {
	script, err := parseScript(in)
	if err != nil {
		return r.handleErr(err)
	}
	if opts.profile != "" {
		if err := fsm.SwitchProfileByName(opts.profile); err != nil {
			return r.handleErr(err)
		}
	}
	if opts.mappedID >= 0 {
		if err := fsm.SwitchProfileByMappedID(opts.mappedID); err != nil {
			return r.handleErr(err)
		}
	}

	summary := api.RunSummary{
		SchemaVersion: api.SchemaVersion,
		RunID:         fsm.RunID(),
		ByProfile:     map[string]int{},
	}
	enc := json.NewEncoder(r.out)
	disabledNoted := false
	for _, cmd := range script {
		switch cmd.op {
		case "switch":
			if err := fsm.SwitchProfileByName(cmd.arg); err != nil {
				return r.handleErr(fmt.Errorf("line %d: %w", cmd.line, err))
			}
		case "mapped":
			id, _ := strconv.Atoi(cmd.arg)
			if err := fsm.SwitchProfileByMappedID(id); err != nil {
				return r.handleErr(fmt.Errorf("line %d: %w", cmd.line, err))
			}
		case "reset":
			if cmd.arg == "" {
				fsm.Reset()
				continue
			}
			if err := fsm.ResetProfile(cmd.arg); err != nil {
				return r.handleErr(fmt.Errorf("line %d: %w", cmd.line, err))
			}
		case "labels":
			for _, id := range cmd.labels {
				res, err := fsm.ProcessState(id)
				if err != nil {
					return r.handleErr(fmt.Errorf("line %d: %w", cmd.line, err))
				}
				summary.Labels++
				if res.Empty {
					if !disabledNoted && !opts.quiet {
						_, _ = fmt.Fprintln(r.out, "fsm disabled: labels are ignored")
					}
					disabledNoted = true
					continue
				}
				if res.StageDone {
					summary.StagesDone++
					summary.ByProfile[res.ActiveProfile]++
				}
				if res.ProfileChanged {
					summary.Switches++
				}
				if opts.quiet {
					continue
				}
				step := api.FromStepResult(res)
				if opts.jsonOut {
					if err := enc.Encode(step); err != nil {
						return r.handleErr(err)
					}
					continue
				}
				r.printStep(step)
			}
		}
	}
	summary.FinalProfile = fsm.ActiveProfile().Name()
	if opts.jsonOut {
		if err := enc.Encode(summary); err != nil {
			return r.handleErr(err)
		}
		return 0
	}
	_, _ = fmt.Fprintf(r.out, "run=%s labels=%d stages_done=%d switches=%d profile=%s\n",
		summary.RunID, summary.Labels, summary.StagesDone, summary.Switches, summary.FinalProfile)
	return 0
}
