// Package config loads lockstep session files.
//
// A file is YAML validated against an embedded CUE schema, applied over
// Default, then overridden by LOCKSTEP_* environment
// variables (optionally read from a .env file).
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/lockstep/internal/lockstep"
	"github.com/roach88/lockstep/internal/value"
)

//go:embed schema.cue
var schemaCUE string

// ErrSchema wraps every schema violation.
var ErrSchema = errors.New("config does not match schema")

// File is a loaded session file.
type File struct {
	Listen    string
	URL       string
	Journal   string
	RateLimit float64
	RateBurst int
	Session   lockstep.Config
	Meta      value.Object
}

// Default returns the file used when no config file is given. It is
// lockstep.DefaultConfig without a jitter buffer: a dynamic session only
// seals when actions arrive, so a held frame would wait for the next one.
func Default() File {
	cfg := lockstep.DefaultConfig()
	cfg.FixedBuffer = 0
	return File{Session: cfg}
}

type rawSession struct {
	Dynamic         *bool  `yaml:"dynamic"`
	DynamicPushWait string `yaml:"dynamic_push_wait"`
	DynamicTickWait string `yaml:"dynamic_tick_wait"`
	FixedTick       string `yaml:"fixed_tick"`
	FixedBuffer     *int   `yaml:"fixed_buffer"`
	DisconnectWait  string `yaml:"disconnect_wait"`
	FreezeWait      string `yaml:"freeze_wait"`
}

type rawFile struct {
	Listen    string         `yaml:"listen"`
	URL       string         `yaml:"url"`
	Journal   string         `yaml:"journal"`
	RateLimit float64        `yaml:"rate_limit"`
	RateBurst int            `yaml:"rate_burst"`
	Session   rawSession     `yaml:"session"`
	Meta      map[string]any `yaml:"meta"`
}

// Load reads, validates and decodes a session file. Environment overrides
// are not applied; see ApplyEnv.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse validates and decodes YAML config data.
func Parse(data []byte) (File, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return File{}, fmt.Errorf("parse yaml: %w", err)
	}
	if err := validate(doc); err != nil {
		return File{}, err
	}

	var raw rawFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return File{}, fmt.Errorf("decode yaml: %w", err)
	}

	f := Default()
	f.Listen = raw.Listen
	f.URL = raw.URL
	f.Journal = raw.Journal
	f.RateLimit = raw.RateLimit
	f.RateBurst = raw.RateBurst
	if err := applySession(&f.Session, raw.Session); err != nil {
		return File{}, err
	}
	if raw.Meta != nil {
		meta, err := value.From(raw.Meta)
		if err != nil {
			return File{}, fmt.Errorf("meta: %w", err)
		}
		f.Meta = meta.(value.Object)
	}
	if err := f.Session.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// validate checks a decoded YAML document against #File.
func validate(doc map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	v := schema.LookupPath(cue.ParsePath("#File")).Unify(ctx.Encode(doc))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %s", ErrSchema, cueerrors.Details(err, nil))
	}
	return nil
}

func applySession(cfg *lockstep.Config, raw rawSession) error {
	if raw.Dynamic != nil {
		cfg.Dynamic = *raw.Dynamic
	}
	if raw.FixedBuffer != nil {
		cfg.FixedBuffer = *raw.FixedBuffer
	}
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"dynamic_push_wait", raw.DynamicPushWait, &cfg.DynamicPushWait},
		{"dynamic_tick_wait", raw.DynamicTickWait, &cfg.DynamicTickWait},
		{"fixed_tick", raw.FixedTick, &cfg.FixedTick},
		{"disconnect_wait", raw.DisconnectWait, &cfg.DisconnectWait},
		{"freeze_wait", raw.FreezeWait, &cfg.FreezeWait},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("session.%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}
