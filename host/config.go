package host

import (
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/ardnew/softuhci/mem"
	"github.com/ardnew/softuhci/pkg"
)

// Config holds the tunables of one controller instance.
type Config struct {
	// Name tags the controller's log records. New picks "uhci<n>" when it
	// is empty.
	Name string

	// BlockPages is the size of each DMA pool block in pages.
	BlockPages int

	// SameRange keeps every DMA pool block in the 4 GiB window of the
	// first one.
	SameRange bool

	// TickPeriod is how often Run services periodic transfers. Zero leaves
	// the tick to an external timer calling Monitor.
	TickPeriod time.Duration

	// StopTimeout bounds the wait for the controller to halt.
	StopTimeout time.Duration

	// TransferTimeout is the default timeout of one-shot transfers.
	TransferTimeout time.Duration

	// LogLevel is applied to the package logger by New.
	LogLevel slog.Level
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		BlockPages:      mem.DefaultBlockPages,
		TickPeriod:      time.Millisecond,
		StopTimeout:     10 * time.Millisecond,
		TransferTimeout: time.Second,
		LogLevel:        slog.LevelInfo,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.BlockPages < 1 {
		return errors.Wrapf(pkg.ErrInvalidParameter, "block pages %d", c.BlockPages)
	}
	if c.TickPeriod < 0 {
		return errors.Wrapf(pkg.ErrInvalidParameter, "tick period %s", c.TickPeriod)
	}
	if c.StopTimeout <= 0 {
		return errors.Wrapf(pkg.ErrInvalidParameter, "stop timeout %s", c.StopTimeout)
	}
	if c.TransferTimeout <= 0 {
		return errors.Wrapf(pkg.ErrInvalidParameter, "transfer timeout %s", c.TransferTimeout)
	}
	return nil
}

func (c Config) poolOptions() []mem.Option {
	opts := []mem.Option{mem.WithBlockPages(c.BlockPages)}
	if c.SameRange {
		opts = append(opts, mem.WithSameRange())
	}
	return opts
}
