package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LOCKSTEP_"

// LoadDotEnv loads a .env file into the process environment. Variables
// already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides f with LOCKSTEP_* variables and revalidates the
// session config. A nil lookup reads the process environment.
func ApplyEnv(f File, lookup LookupFunc) (File, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		return v, ok && v != ""
	}

	if v, ok := get("LISTEN"); ok {
		f.Listen = v
	}
	if v, ok := get("URL"); ok {
		f.URL = v
	}
	if v, ok := get("JOURNAL"); ok {
		f.Journal = v
	}

	var errs []error
	if v, ok := get("RATE_LIMIT"); ok {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sRATE_LIMIT: %w", EnvPrefix, err))
		}
		f.RateLimit = n
	}
	if v, ok := get("RATE_BURST"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sRATE_BURST: %w", EnvPrefix, err))
		}
		f.RateBurst = n
	}
	if v, ok := get("DYNAMIC"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sDYNAMIC: %w", EnvPrefix, err))
		}
		f.Session.Dynamic = b
	}
	if v, ok := get("FIXED_BUFFER"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sFIXED_BUFFER: %w", EnvPrefix, err))
		}
		f.Session.FixedBuffer = n
	}

	durations := map[string]*time.Duration{
		"DYNAMIC_PUSH_WAIT": &f.Session.DynamicPushWait,
		"DYNAMIC_TICK_WAIT": &f.Session.DynamicTickWait,
		"FIXED_TICK":        &f.Session.FixedTick,
		"DISCONNECT_WAIT":   &f.Session.DisconnectWait,
		"FREEZE_WAIT":       &f.Session.FreezeWait,
	}
	for name, dst := range durations {
		v, ok := get(name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			continue
		}
		*dst = d
	}

	if err := errors.Join(errs...); err != nil {
		return File{}, err
	}
	if err := f.Session.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}
