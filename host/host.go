package host

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softuhci/async"
	"github.com/ardnew/softuhci/desc"
	"github.com/ardnew/softuhci/hal"
	"github.com/ardnew/softuhci/mem"
	"github.com/ardnew/softuhci/pkg"
	"github.com/ardnew/softuhci/sched"
	"github.com/ardnew/softuhci/tpl"
)

// instances numbers controllers created without a name.
var instances atomic.Uint32

// Controller is one UHCI host controller instance: its DMA pool, frame
// list, periodic request list and critical section.
type Controller struct {
	cfg      Config
	platform hal.Platform

	pool     *mem.Pool
	builder  *desc.Builder
	schedule *sched.Schedule
	periodic *async.Manager
	section  tpl.Section
	log      pkg.Logger

	// Tick goroutine state
	mutex  sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
	closed bool
}

// New builds a controller on p. The controller stays idle until Start.
func New(p hal.Platform, cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pkg.SetLogLevel(cfg.LogLevel)
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("uhci%d", instances.Add(1)-1)
	}

	pool, err := mem.NewPool(p, cfg.poolOptions()...)
	if err != nil {
		return nil, err
	}
	b := desc.NewBuilder(pool)
	s, err := sched.New(p, b)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}

	c := &Controller{
		cfg:      cfg,
		platform: p,
		pool:     pool,
		builder:  b,
		schedule: s,
		log:      pkg.ForController(cfg.Name),
	}
	c.periodic = async.NewManager(p, b, s, &c.section)

	c.log.Debug("controller created",
		"frame_list", s.FrameListAddr(),
		"block_pages", cfg.BlockPages)
	return c, nil
}

// Start sets the controller running and, when a tick period is configured,
// starts servicing periodic transfers until ctx is done or Stop is called.
func (c *Controller) Start(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return pkg.ErrClosed
	}
	if c.group != nil {
		return pkg.ErrAlreadyRunning
	}

	restore := c.section.Raise(tpl.Notify)
	err := c.schedule.Start()
	restore()
	if err != nil {
		return err
	}

	if c.cfg.TickPeriod > 0 {
		var runCtx context.Context
		runCtx, c.cancel = context.WithCancel(ctx)
		c.group, runCtx = errgroup.WithContext(runCtx)
		c.group.Go(func() error { return c.Run(runCtx) })
	}

	c.log.Info("controller started")
	return nil
}

// Stop stops the tick and halts the controller. Periodic requests stay
// linked and resume on the next Start.
func (c *Controller) Stop() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.stop()
}

func (c *Controller) stop() error {
	if c.cancel != nil {
		c.cancel()
		if err := c.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warn("tick stopped with error", "error", err)
		}
		c.cancel, c.group = nil, nil
	}

	defer c.section.Raise(tpl.Notify)()
	if c.schedule.State() != sched.StateRunning {
		return nil
	}
	return c.schedule.Stop(c.cfg.StopTimeout)
}

// Reset stops the controller and resets it. Start must follow before the
// schedule runs again.
func (c *Controller) Reset(kind sched.ResetKind) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return pkg.ErrClosed
	}
	if err := c.stop(); err != nil {
		c.log.Warn("stop before reset failed", "error", err)
	}

	defer c.section.Raise(tpl.Notify)()
	return c.schedule.Reset(kind)
}

// Close stops the controller, removes every periodic request and releases
// all DMA memory. A controller that ignores the stop is reset; one that
// keeps running after the reset still owns the schedule, so its memory is
// kept and Close returns the error without closing.
func (c *Controller) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return nil
	}
	if err := c.stop(); err != nil {
		c.log.Warn("stop on close failed, resetting", "error", err)
		if herr := c.forceHalt(); herr != nil {
			c.log.Error("controller still running, keeping DMA memory", "error", herr)
			return errors.CombineErrors(err, herr)
		}
	}
	c.closed = true

	c.periodic.Close()
	defer c.section.Raise(tpl.Notify)()
	c.schedule.Close()
	err := c.pool.Close()

	c.log.Info("controller closed")
	return err
}

// forceHalt resets the controller and confirms that it halted.
func (c *Controller) forceHalt() error {
	defer c.section.Raise(tpl.Notify)()
	if err := c.schedule.Reset(sched.ResetHost); err != nil {
		return err
	}
	halted, err := c.schedule.Halted()
	if err != nil {
		return err
	}
	if !halted {
		return errors.Wrap(pkg.ErrTimeout, "controller still running after host reset")
	}
	return nil
}

// Run calls Monitor every TickPeriod until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	period := c.cfg.TickPeriod
	if period <= 0 {
		return errors.Wrapf(pkg.ErrInvalidParameter, "tick period %s", period)
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Monitor()
		}
	}
}

// Monitor runs one periodic tick.
func (c *Controller) Monitor() {
	c.periodic.Monitor()
}

// Raise enters the controller's critical section and returns the function
// that leaves it. A platform running the controller in software holds it
// while the controller walks the schedule.
func (c *Controller) Raise() (restore func()) {
	return c.section.Raise(tpl.Notify)
}

// State returns the software state of the controller.
func (c *Controller) State() sched.State {
	defer c.section.Raise(tpl.Notify)()
	return c.schedule.State()
}

// Healthy reports whether the controller is running without a fault.
func (c *Controller) Healthy() bool {
	defer c.section.Raise(tpl.Notify)()
	return c.schedule.Healthy()
}

// FrameNumber returns the current frame number.
func (c *Controller) FrameNumber() (uint16, error) {
	defer c.section.Raise(tpl.Notify)()
	return c.schedule.FrameNumber()
}

// PoolStats returns DMA pool occupancy.
func (c *Controller) PoolStats() mem.Stats {
	defer c.section.Raise(tpl.Notify)()
	return c.pool.Stats()
}

// checkRunning must be called with the section raised.
func (c *Controller) checkRunning() error {
	if c.schedule.State() != sched.StateRunning {
		return errors.Wrapf(pkg.ErrNotRunning, "controller %s", c.schedule.State())
	}
	return nil
}

// SubmitPeriodic starts polling an interrupt IN endpoint.
func (c *Controller) SubmitPeriodic(p async.Params) (*async.Request, error) {
	restore := c.section.Raise(tpl.Notify)
	err := c.checkRunning()
	restore()
	if err != nil {
		return nil, err
	}
	return c.periodic.Submit(p)
}

// RemovePeriodic stops a periodic request. When it returns the controller
// no longer references any of the request's memory.
func (c *Controller) RemovePeriodic(r *async.Request) error {
	return c.periodic.Remove(r)
}

// RemoveEndpoint stops every periodic request on endpoint ep of device dev
// and returns how many were stopped.
func (c *Controller) RemoveEndpoint(dev, ep uint8) int {
	return c.periodic.RemoveEndpoint(dev, ep)
}

// Periodic returns the number of live periodic requests.
func (c *Controller) Periodic() int {
	return c.periodic.Len()
}
