package experiment

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const DateLayout = "2006-01-02"

var ErrInvalidConfig = errors.New("invalid experiment config")

type ValidationError struct {
	reason error
}

func (e ValidationError) Error() string {
	return e.reason.Error()
}

func (e ValidationError) Unwrap() error {
	return e.reason
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

func invalid(format string, args ...interface{}) error {
	return ValidationError{reason: fmt.Errorf(format+": %w", append(args, ErrInvalidConfig)...)}
}

// ReadFile parses and validates a study config. A config without a name is
// named after its path as given, extension stripped and path separators
// turned into underscores: config/study/hf.json becomes config_study_hf.
func ReadFile(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading study config %s: %w", path, err)
	}
	return Parse(data, strings.TrimSuffix(path, filepath.Ext(path)))
}

// Parse decodes a JSON study config, normalises categories and level order,
// and validates it. defaultName is used when the document has no name.
func Parse(data []byte, defaultName string) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, ValidationError{reason: fmt.Errorf("decoding study config: %v: %w", err, ErrInvalidConfig)}
	}
	if cfg.Name == "" {
		cfg.Name = OutcomeDirFor(defaultName)
	}
	cfg.OutcomeDir = OutcomeDirFor(cfg.Name)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the structural rules every config must satisfy before a
// single query is issued. Categories are rewritten to their canonical form.
func Validate(cfg *Config) error {
	if cfg == nil {
		return invalid("config is nil")
	}
	if len(cfg.Levels) == 0 {
		return invalid("study %s defines no levels", cfg.Name)
	}
	if cfg.TimeFrame != nil {
		if _, _, err := cfg.TimeFrame.Bounds(); err != nil {
			return ValidationError{reason: fmt.Errorf("study %s: time frame should be in format YYYY-MM-DD: %v: %w", cfg.Name, err, ErrInvalidConfig)}
		}
	}

	sort.SliceStable(cfg.Levels, func(i, j int) bool { return cfg.Levels[i].Level < cfg.Levels[j].Level })
	for i := range cfg.Levels {
		lvl := &cfg.Levels[i]
		if lvl.Level < 0 {
			return invalid("invalid level number %d", lvl.Level)
		}
		if lvl.Level != i {
			return invalid("level numbers must be contiguous from 0, found %d at position %d", lvl.Level, i)
		}
		switch lvl.MatchMode {
		case "":
			lvl.MatchMode = AllMatches
		case FirstMatch, AllMatches:
		default:
			return invalid("level %d: unknown match mode %q", lvl.Level, lvl.MatchMode)
		}
		if len(lvl.Events) == 0 {
			return invalid("level %s should have at least one event", lvl.DisplayName())
		}
		if err := validateInterval(lvl.Period, "level "+lvl.DisplayName()); err != nil {
			return err
		}
		if err := validateEvents(lvl.Events, lvl.DisplayName()); err != nil {
			return err
		}
	}
	return nil
}

func validateEvents(events []Event, where string) error {
	for i := range events {
		ev := &events[i]
		if strings.TrimSpace(ev.ID) == "" {
			return invalid("invalid event in level %s: event should have id", where)
		}
		if ev.Category == "" {
			return invalid("invalid event %s in level %s: event should have category", ev.ID, where)
		}
		cat, ok := ParseCategory(string(ev.Category))
		if !ok {
			return invalid("event %s: unknown category %q", ev.ID, ev.Category)
		}
		ev.Category = cat
		if err := validateInterval(ev.Period, "event "+ev.ID); err != nil {
			return err
		}
		for _, group := range []*AttributeEventGroup{ev.Exclude, ev.Having} {
			if group == nil {
				continue
			}
			if err := validateInterval(group.Period, "event "+ev.ID); err != nil {
				return err
			}
			if err := validateEvents(group.Events, where+"/"+ev.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateInterval(t *TimeInterval, where string) error {
	if t == nil {
		return nil
	}
	switch t.Unit {
	case "", UnitDay, UnitMonth, UnitYear:
	default:
		return invalid("%s: unknown time unit %q", where, t.Unit)
	}
	if t.MinT != nil && t.MaxT != nil && *t.MinT > *t.MaxT {
		return invalid("%s: min_t %d greater than max_t %d", where, *t.MinT, *t.MaxT)
	}
	return nil
}

// Bounds parses the time frame. Missing dates come back nil.
func (tf *TimeFrame) Bounds() (*time.Time, *time.Time, error) {
	if tf == nil {
		return nil, nil, nil
	}
	parse := func(s string) (*time.Time, error) {
		if strings.TrimSpace(s) == "" {
			return nil, nil
		}
		t, err := time.Parse(DateLayout, s)
		if err != nil {
			return nil, err
		}
		return &t, nil
	}
	minD, err := parse(tf.MinDate)
	if err != nil {
		return nil, nil, err
	}
	maxD, err := parse(tf.MaxDate)
	if err != nil {
		return nil, nil, err
	}
	return minD, maxD, nil
}
