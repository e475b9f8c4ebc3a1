package testutil

import (
	"testing"

	"github.com/g960059/labelfsm/internal/config"
)

const EmptyFullYAML = `
enable: true
switcher_strategy: manual
default_profile: single
states:
  - {cls_id: 0, name: EMPTY, stable_min_lim: 1}
  - {cls_id: 1, name: FULL, stable_min_lim: 1}
profiles:
  - name: single
    init_states: [EMPTY]
    default_states: [EMPTY]
    expected_sequences:
      - [EMPTY, FULL, EMPTY]
`

// TwoProfileYAML declares two profiles sharing EMPTY/FULL/UNKNOWN with
// different expected sequences and thresholds.
const TwoProfileYAML = `
enable: true
switcher_strategy: %s
default_profile: empty_then_fill
states:
  - {cls_id: 0, name: UNDEFINED, threshold: 0.5}
  - {cls_id: 1, name: EMPTY, stable_min_lim: 1}
  - {cls_id: 2, name: FULL, stable_min_lim: 1}
  - {cls_id: 3, name: UNKNOWN, threshold: 0.8}
profiles:
  - name: empty_then_fill
    states:
      UNKNOWN: {reset_trigger: true, break_trigger: true}
    init_states: [EMPTY]
    default_states: [UNKNOWN]
    expected_sequences:
      - [EMPTY, FULL, EMPTY]
  - name: full_first
    states:
      UNKNOWN: {stable_min_lim: 1}
    init_states: [EMPTY]
    default_states: [UNKNOWN]
    expected_sequences:
      - [EMPTY, UNKNOWN, FULL, EMPTY]
profile_ids_map:
  empty_then_fill: []
  full_first: [202]
`

// MustBuild parses YAML and resolves it, failing the test on any error.
func MustBuild(t *testing.T, yamlText string) config.FsmConfig {
	t.Helper()
	f, err := config.Parse([]byte(yamlText), "yaml")
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg, err := config.Build(f)
	if err != nil {
		t.Fatalf("build config: %v", err)
	}
	return cfg
}
