package lockstep

import (
	"errors"
	"fmt"
	"time"
)

// Config is immutable for the lifetime of a session. Clients adopt the host's
// config when they join.
type Config struct {
	// Dynamic seals a tick only when actions are pending. Fixed mode seals one
	// tick every FixedTick whether or not anything happened.
	Dynamic bool `json:"dynamic" yaml:"dynamic"`

	// DynamicPushWait debounces client pushes in dynamic mode.
	DynamicPushWait time.Duration `json:"dynamicPushWait" yaml:"dynamic_push_wait"`

	// DynamicTickWait debounces tick sealing on the host in dynamic mode.
	DynamicTickWait time.Duration `json:"dynamicTickWait" yaml:"dynamic_tick_wait"`

	// FixedTick is the tick period in fixed mode. In dynamic mode it paces
	// the host's liveness checks while a client is frozen.
	FixedTick time.Duration `json:"fixedTick" yaml:"fixed_tick"`

	// FixedBuffer is how many frames an endpoint holds back before applying,
	// in either mode, to absorb network jitter. The host holds back its own
	// frames too but keeps sealing.
	FixedBuffer int `json:"fixedBuffer" yaml:"fixed_buffer"`

	// DisconnectWait is how long a frozen client may stay silent before the
	// host disconnects it.
	DisconnectWait time.Duration `json:"disconnectWait" yaml:"disconnect_wait"`

	// FreezeWait is how long a client may stay silent before the host stops
	// sealing ticks and waits for it.
	FreezeWait time.Duration `json:"freezeWait" yaml:"freeze_wait"`
}

// DefaultConfig returns the defaults used when a field is not configured.
func DefaultConfig() Config {
	return Config{
		Dynamic:         true,
		DynamicPushWait: 10 * time.Millisecond,
		DynamicTickWait: 10 * time.Millisecond,
		FixedTick:       50 * time.Millisecond,
		FixedBuffer:     1,
		DisconnectWait:  10 * time.Second,
		FreezeWait:      time.Second,
	}
}

// Validate checks the config invariants.
func (c Config) Validate() error {
	var errs []error
	check := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	check("dynamicPushWait", c.DynamicPushWait)
	check("dynamicTickWait", c.DynamicTickWait)
	check("fixedTick", c.FixedTick)
	check("disconnectWait", c.DisconnectWait)
	check("freezeWait", c.FreezeWait)
	if c.FixedBuffer < 0 {
		errs = append(errs, fmt.Errorf("fixedBuffer must not be negative, got %d", c.FixedBuffer))
	}
	if c.DisconnectWait < c.FreezeWait {
		errs = append(errs, fmt.Errorf("disconnectWait (%s) must be >= freezeWait (%s)", c.DisconnectWait, c.FreezeWait))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// tickTimeCapacity is the number of seal timestamps the host keeps for RTT
// computation: freezeWait / fixedTick, at least one.
func (c Config) tickTimeCapacity() int {
	if c.FixedTick <= 0 {
		return 1
	}
	return max(1, int(c.FreezeWait/c.FixedTick))
}
