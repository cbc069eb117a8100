package mmaplock

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/ahrav/go-rcx/htm"
	"github.com/ahrav/go-rcx/rcx"
)

// Config selects and tunes a backend. Field tags match the rcxbench flags.
type Config struct {
	Backend Kind `mapstructure:"backend"`

	// rcx backend.
	Nodes     int    `mapstructure:"nodes"`
	Engine    string `mapstructure:"engine"`
	Fallback  string `mapstructure:"fallback"`
	SpinYield int    `mapstructure:"spin-yield"`
	Stats     bool   `mapstructure:"stats"`

	// NonSleepable makes release clear the flag of the node the releasing
	// goroutine is on, not the node it acquired on. Only safe with a static
	// node provider.
	NonSleepable bool `mapstructure:"non-sleepable"`

	// rwsem backend.
	MaxReaders int64 `mapstructure:"max-readers"`
	Debug      bool  `mapstructure:"debug"`
}

// DefaultConfig returns an rcx configuration for a quad-node machine.
func DefaultConfig() Config {
	return Config{
		Backend:    KindRCX,
		Nodes:      rcx.DefaultNodes,
		Engine:     "auto",
		Fallback:   string(rcx.FallbackTicket),
		SpinYield:  rcx.DefaultSpinYield,
		MaxReaders: 1 << 16,
	}
}

// Validate reports the first problem in c.
func (c Config) Validate() error {
	if _, err := ParseKind(string(c.Backend)); err != nil {
		return err
	}
	switch c.Backend {
	case KindRCX:
		if c.Nodes < 1 {
			return errors.Wrapf(ErrInvalidConfig, "nodes must be at least 1, got %d", c.Nodes)
		}
		if c.SpinYield < 0 {
			return errors.Wrapf(ErrInvalidConfig, "spin-yield must not be negative, got %d", c.SpinYield)
		}
		if _, err := rcx.ParseFallback(c.Fallback); err != nil {
			return errors.Wrap(ErrInvalidConfig, err.Error())
		}
		if _, err := htm.ByName(c.Engine); err != nil {
			return errors.Wrap(ErrInvalidConfig, err.Error())
		}
	case KindRWSem:
		if c.MaxReaders < 1 {
			return errors.Wrapf(ErrInvalidConfig, "max-readers must be at least 1, got %d", c.MaxReaders)
		}
	}
	return nil
}

func (c Config) String() string {
	switch c.Backend {
	case KindRCX:
		return fmt.Sprintf("rcx(nodes=%d, engine=%s, fallback=%s, sleepable=%t, spin-yield=%d, stats=%t)",
			c.Nodes, c.Engine, c.Fallback, !c.NonSleepable, c.SpinYield, c.Stats)
	case KindRWSem:
		return fmt.Sprintf("rwsem(max-readers=%d, debug=%t)", c.MaxReaders, c.Debug)
	default:
		return string(c.Backend)
	}
}
