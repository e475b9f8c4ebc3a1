package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/g960059/labelfsm/internal/model"
)

// File is the on-disk configuration as written by users, before any
// state reference is resolved.
type File struct {
	Enable           *bool                  `yaml:"enable" json:"enable" validate:"required"`
	HistoryMaxLen    int                    `yaml:"history_max_len" json:"history_max_len" validate:"gte=0"`
	SwitcherStrategy string                 `yaml:"switcher_strategy" json:"switcher_strategy"`
	DefaultProfile   string                 `yaml:"default_profile" json:"default_profile" validate:"required"`
	States           []StateFile            `yaml:"states" json:"states" validate:"required,min=1,dive"`
	Profiles         []ProfileFile          `yaml:"profiles" json:"profiles" validate:"required,min=1,dive"`
	ProfileIDsMap    map[string][]int       `yaml:"profile_ids_map" json:"profile_ids_map"`
	Writers          []WriterFile           `yaml:"writers" json:"writers" validate:"dive"`
	Meta             map[string]interface{} `yaml:"meta" json:"meta"`
}

type StateFile struct {
	ClsID        *int     `yaml:"cls_id" json:"cls_id" validate:"required,gte=0"`
	Name         string   `yaml:"name" json:"name" validate:"required"`
	FullName     string   `yaml:"full_name" json:"full_name"`
	Fiction      *bool    `yaml:"fiction" json:"fiction"`
	AliasOf      *int     `yaml:"alias_of" json:"alias_of" validate:"omitempty,gte=0"`
	StableMinLim *int     `yaml:"stable_min_lim" json:"stable_min_lim" validate:"omitempty,gte=0"`
	Resettable   *bool    `yaml:"resettable" json:"resettable"`
	ResetTrigger *bool    `yaml:"reset_trigger" json:"reset_trigger"`
	BreakTrigger *bool    `yaml:"break_trigger" json:"break_trigger"`
	Threshold    *float64 `yaml:"threshold" json:"threshold" validate:"omitempty,gte=0,lte=1"`
}

// StateOverride carries per-profile overrides. Nil fields keep the base value.
type StateOverride struct {
	FullName     *string  `yaml:"full_name" json:"full_name"`
	Fiction      *bool    `yaml:"fiction" json:"fiction"`
	AliasOf      *int     `yaml:"alias_of" json:"alias_of" validate:"omitempty,gte=0"`
	StableMinLim *int     `yaml:"stable_min_lim" json:"stable_min_lim" validate:"omitempty,gte=0"`
	Resettable   *bool    `yaml:"resettable" json:"resettable"`
	ResetTrigger *bool    `yaml:"reset_trigger" json:"reset_trigger"`
	BreakTrigger *bool    `yaml:"break_trigger" json:"break_trigger"`
	Threshold    *float64 `yaml:"threshold" json:"threshold" validate:"omitempty,gte=0,lte=1"`
}

type ProfileFile struct {
	Name              string                   `yaml:"name" json:"name" validate:"required"`
	Description       string                   `yaml:"description" json:"description"`
	States            map[string]StateOverride `yaml:"states" json:"states" validate:"dive"`
	InitStates        []Ref                    `yaml:"init_states" json:"init_states"`
	DefaultStates     []Ref                    `yaml:"default_states" json:"default_states"`
	ExpectedSequences [][]Ref                  `yaml:"expected_sequences" json:"expected_sequences" validate:"required,min=1,dive,min=1"`
}

type WriterFile struct {
	Enable     *bool  `yaml:"enable" json:"enable"`
	Kind       string `yaml:"kind" json:"kind" validate:"required,oneof=raw stable"`
	Format     string `yaml:"format" json:"format" validate:"required,oneof=txt json yaml csv sqlite"`
	Name       string `yaml:"name" json:"name" validate:"required"`
	MaxAgeDays *int   `yaml:"max_age_days" json:"max_age_days" validate:"omitempty,gte=0"`
	Async      bool   `yaml:"async" json:"async"`
	Buffer     int    `yaml:"buffer" json:"buffer" validate:"gte=0"`
}

// Ref is a state reference as it appears in a file: an integer id or a name.
type Ref struct {
	model.StateRef
}

func (r *Ref) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: state reference must be an id or a name", node.Line)
	}
	ref, err := model.ParseStateRef(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	r.StateRef = ref
	return nil
}

func (r *Ref) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		ref, err := model.ParseStateRef(name)
		if err != nil {
			return err
		}
		r.StateRef = ref
		return nil
	}
	var id int
	if err := json.Unmarshal(data, &id); err != nil {
		return fmt.Errorf("state reference must be an id or a name: %w", err)
	}
	r.StateRef = model.RefByID(id)
	return nil
}

var fileValidate = validator.New()

// Load reads a YAML or JSON file, chosen by extension.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config: %w", err)
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	return Parse(data, format)
}

func Parse(data []byte, format string) (File, error) {
	var f File
	switch format {
	case "yaml", "yml", "":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil {
			return File{}, fmt.Errorf("%w: decode yaml: %v", ErrInvalidConfig, err)
		}
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return File{}, fmt.Errorf("%w: decode json: %v", ErrInvalidConfig, err)
		}
	default:
		return File{}, fmt.Errorf("%w: unsupported config format %q", ErrInvalidConfig, format)
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Validate checks structure only. Cross references are checked by Build.
func (f File) Validate() error {
	err := fileValidate.Struct(f)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		parts := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(parts, "; "))
	}
	return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
}
