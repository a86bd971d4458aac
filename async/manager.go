package async

import (
	"github.com/cockroachdb/errors"

	"github.com/ardnew/softuhci/desc"
	"github.com/ardnew/softuhci/hal"
	"github.com/ardnew/softuhci/pkg"
	"github.com/ardnew/softuhci/sched"
	"github.com/ardnew/softuhci/tpl"
)

// Manager keeps the list of periodic requests of one controller and
// re-arms them from the periodic tick.
type Manager struct {
	platform hal.Platform
	builder  *desc.Builder
	schedule *sched.Schedule
	section  *tpl.Section

	head  *Request
	tail  *Request
	count int
}

// NewManager returns a manager linking requests into s. Every exported
// method raises sec for its whole duration.
func NewManager(p hal.Platform, b *desc.Builder, s *sched.Schedule, sec *tpl.Section) *Manager {
	return &Manager{
		platform: p,
		builder:  b,
		schedule: s,
		section:  sec,
	}
}

func (p *Params) validate() error {
	if p.Dir != hal.DirectionIn {
		return errors.Wrapf(pkg.ErrInvalidParameter, "periodic transfer direction %s", p.Dir)
	}
	if p.Endpoint.Number == 0 {
		return errors.Wrap(pkg.ErrInvalidParameter, "periodic transfer on the control endpoint")
	}
	if p.Length <= 0 {
		return errors.Wrapf(pkg.ErrInvalidParameter, "periodic transfer length %d", p.Length)
	}
	if p.Toggle > 1 {
		return errors.Wrapf(pkg.ErrInvalidParameter, "data toggle %d", p.Toggle)
	}
	if p.Interval < 1 {
		return errors.Wrapf(pkg.ErrInvalidParameter, "polling interval %d", p.Interval)
	}
	if p.Callback == nil {
		return errors.Wrap(pkg.ErrInvalidParameter, "nil callback")
	}
	return nil
}

// Submit creates a periodic request and links it into the schedule. On any
// failure nothing is left behind.
func (m *Manager) Submit(p Params) (*Request, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	bucket, capped := sched.IntervalToBucket(p.Interval)
	if capped {
		pkg.LogWarn(pkg.ComponentAsync, "polling interval capped",
			"requested", p.Interval,
			"interval", bucket)
	}

	defer m.section.Raise(tpl.Notify)()

	qh, err := m.builder.NewQH(bucket)
	if err != nil {
		return nil, err
	}
	r := &Request{
		mgr:       m,
		qh:        qh,
		buf:       make([]byte, p.Length),
		ep:        p.Endpoint,
		requested: p.Interval,
		bucket:    bucket,
		capped:    capped,
		callback:  p.Callback,
		ctx:       p.Context,
	}
	r.toggle.Store(uint32(p.Toggle))

	if err := m.arm(r); err != nil {
		m.builder.FreeQH(qh)
		return nil, err
	}
	m.schedule.LinkPeriodic(qh)
	m.push(r)

	pkg.LogDebug(pkg.ComponentAsync, "periodic request submitted",
		"device", r.ep.Device,
		"endpoint", r.ep.Number,
		"interval", bucket,
		"length", p.Length)
	return r, nil
}

// arm maps the request buffer, builds a chain from the current toggle and
// hangs it under the request's QH.
func (m *Manager) arm(r *Request) error {
	mp, err := m.platform.Map(r.buf, hal.MapFromDevice)
	if err != nil {
		return errors.WithSecondaryError(errors.Wrap(pkg.ErrNoMemory, "map periodic buffer"), err)
	}
	addr, ok := hal.Addr32(mp)
	if !ok {
		_ = m.platform.Unmap(mp)
		return errors.Wrapf(pkg.ErrNoMemory, "periodic buffer mapped above 4 GiB at %#x", mp.DeviceAddress())
	}

	chain, _, err := m.builder.BuildData(desc.DataRequest{
		Endpoint: r.ep,
		Dir:      hal.DirectionIn,
		Data:     addr,
		Length:   len(r.buf),
		Toggle:   r.Toggle(),
	})
	if err != nil {
		_ = m.platform.Unmap(mp)
		return err
	}

	r.mapping = mp
	r.chain = chain
	r.qh.LinkChain(chain)
	return nil
}

// disarm detaches and frees the current chain and mapping. The element
// link is cleared before any memory is released.
func (m *Manager) disarm(r *Request) error {
	r.qh.UnlinkChain()
	m.builder.FreeChain(r.chain)
	r.chain = nil
	return m.unmap(r)
}

func (m *Manager) unmap(r *Request) error {
	if r.mapping == nil {
		return nil
	}
	err := m.platform.Unmap(r.mapping)
	r.mapping = nil
	if err != nil {
		pkg.LogError(pkg.ComponentAsync, "unmap periodic buffer failed",
			"device", r.ep.Device,
			"endpoint", r.ep.Number,
			"error", err)
	}
	return err
}

func (m *Manager) push(r *Request) {
	r.prev = m.tail
	if m.tail == nil {
		m.head = r
	} else {
		m.tail.next = r
	}
	m.tail = r
	m.count++
}

func (m *Manager) unlink(r *Request) {
	if r.prev == nil {
		m.head = r.next
	} else {
		r.prev.next = r.next
	}
	if r.next == nil {
		m.tail = r.prev
	} else {
		r.next.prev = r.prev
	}
	r.prev, r.next = nil, nil
	m.count--
}

// completion is a finished chain waiting for its callback.
type completion struct {
	r    *Request
	data []byte
	err  error
}

// Monitor runs one periodic tick: it acknowledges controller interrupts,
// takes every finished chain off its queue head, then hands each result to
// its callback and re-arms the request.
//
// Callbacks run after the section is restored, so they may call back into
// the Manager or the controller.
func (m *Manager) Monitor() {
	for _, c := range m.reap() {
		m.deliver(c)
	}
}

// reap collects the finished chains. A reaped request stays listed with an
// empty queue head until deliver re-arms it.
func (m *Manager) reap() []completion {
	defer m.section.Raise(tpl.Notify)()

	if _, err := m.schedule.AckInterrupts(); err != nil {
		pkg.LogWarn(pkg.ComponentAsync, "interrupt acknowledge failed", "error", err)
	}

	var done []completion
	for r := m.head; r != nil; r = r.next {
		if c, ok := m.finish(r); ok {
			done = append(done, c)
		}
	}
	return done
}

// finish takes r's chain down if the controller is done with it.
func (m *Manager) finish(r *Request) (completion, bool) {
	if r.chain == nil || desc.Leading(r.chain) {
		return completion{}, false
	}
	res := desc.Inspect(r.chain)
	if !res.Finished {
		return completion{}, false
	}

	// Unmapping makes the received bytes visible to the host.
	_ = m.disarm(r)
	r.toggle.Store(uint32(res.NextToggle))

	c := completion{r: r}
	if res.Result == pkg.ResultOK {
		c.data = r.buf[:res.Complete]
	} else {
		c.err = errors.Wrapf(res.Result.Error(), "interrupt endpoint %d.%d: %s",
			r.ep.Device, r.ep.Number, res.Result)
		pkg.LogDebug(pkg.ComponentAsync, "periodic transfer failed",
			"device", r.ep.Device,
			"endpoint", r.ep.Number,
			"result", res.Result)
	}
	return c, true
}

// deliver runs the callback of a reaped request, then re-arms or removes
// it. A request removed in the meantime is left alone.
func (m *Manager) deliver(c completion) {
	r := c.r
	if r.State() == StateRemoved {
		return
	}
	action := r.callback(r, c.data, c.err)

	defer m.section.Raise(tpl.Notify)()
	if r.State() == StateRemoved {
		return
	}
	if action == Remove {
		_ = m.remove(r)
		return
	}
	if err := m.arm(r); err != nil {
		pkg.LogError(pkg.ComponentAsync, "re-arm failed, removing request",
			"device", r.ep.Device,
			"endpoint", r.ep.Number,
			"error", err)
		_ = m.remove(r)
	}
}

// Remove tears r down: it leaves the list, its QH leaves every slot, then
// its chain, mapping and QH are released. When Remove returns the
// controller can no longer reach any of its memory and no further callback
// is dispatched; a callback already running finishes, and its verdict is
// ignored. Removing a request twice is a contract violation.
func (m *Manager) Remove(r *Request) error {
	defer m.section.Raise(tpl.Notify)()
	return m.remove(r)
}

func (m *Manager) remove(r *Request) error {
	if r.mgr != m || r.State() == StateRemoved {
		pkg.Assertf(pkg.ComponentAsync, "removal of request %p (%d.%d) not armed on this manager",
			r, r.ep.Device, r.ep.Number)
	}

	m.unlink(r)
	m.schedule.UnlinkPeriodic(r.qh)

	var err error
	if r.chain != nil {
		err = m.disarm(r)
	} else {
		err = m.unmap(r)
	}
	m.builder.FreeQH(r.qh)
	r.qh = nil
	r.state.Store(uint32(StateRemoved))

	pkg.LogDebug(pkg.ComponentAsync, "periodic request removed",
		"device", r.ep.Device,
		"endpoint", r.ep.Number)
	return err
}

// RemoveEndpoint removes every request polling endpoint ep of device dev
// and returns how many were removed.
func (m *Manager) RemoveEndpoint(dev, ep uint8) int {
	defer m.section.Raise(tpl.Notify)()

	n := 0
	for r := m.head; r != nil; {
		next := r.next
		if r.ep.Device == dev && r.ep.Number == ep {
			_ = m.remove(r)
			n++
		}
		r = next
	}
	return n
}

// Len returns the number of live requests.
func (m *Manager) Len() int {
	defer m.section.Raise(tpl.Notify)()
	return m.count
}

// Close removes every request.
func (m *Manager) Close() {
	defer m.section.Raise(tpl.Notify)()
	for m.head != nil {
		_ = m.remove(m.head)
	}
}
