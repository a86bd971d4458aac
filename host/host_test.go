package host

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ardnew/softuhci/async"
	"github.com/ardnew/softuhci/desc"
	"github.com/ardnew/softuhci/hal"
	"github.com/ardnew/softuhci/hal/sim"
	"github.com/ardnew/softuhci/pkg"
	"github.com/ardnew/softuhci/sched"
)

// =============================================================================
// Test Devices
// =============================================================================

var testDeviceDescriptor = []byte{
	18, DescriptorTypeDevice,
	0x10, 0x01, // USB 1.1
	0, 0, 0,
	64,         // bMaxPacketSize0
	0x34, 0x12, // idVendor
	0x78, 0x56, // idProduct
	0x00, 0x01,
	1, 2, 0, // strings
	1,
}

var testConfigDescriptor = []byte{
	// Configuration
	9, DescriptorTypeConfiguration, 48, 0, 1, 1, 0, 0x80, 50,
	// Interface
	9, DescriptorTypeInterface, 0, 0, 3, 3, 1, 1, 0,
	// HID class descriptor
	9, DescriptorTypeHID, 0x11, 0x01, 0, 1, 0x22, 0x3F, 0,
	// Interrupt IN 0x81, 8 bytes, every 10 ms
	7, DescriptorTypeEndpoint, 0x81, EndpointTypeInterrupt, 8, 0, 10,
	// Bulk IN 0x82
	7, DescriptorTypeEndpoint, 0x82, EndpointTypeBulk, 64, 0, 0,
	// Bulk OUT 0x03
	7, DescriptorTypeEndpoint, 0x03, EndpointTypeBulk, 64, 0, 0,
}

// stringDescriptor encodes s as a UTF-16LE string descriptor.
func stringDescriptor(s string) []byte {
	b := []byte{byte(2 + 2*len(s)), DescriptorTypeString}
	for _, r := range s {
		b = append(b, byte(r), 0)
	}
	return b
}

type testRig struct {
	ctl *Controller
	hw  *sim.Controller
	dev *sim.Device
}

// newTestRig returns a started controller with a test device attached
// unaddressed. The tick is left to the test.
func newTestRig(t *testing.T) *testRig {
	t.Helper()
	hw := sim.New()
	cfg := DefaultConfig()
	cfg.TickPeriod = 0
	cfg.TransferTimeout = 50 * time.Millisecond

	ctl, err := New(hw, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := ctl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = ctl.Close() })

	dev := sim.NewDevice(testDeviceDescriptor, testConfigDescriptor)
	dev.SetString(1, stringDescriptor("softuhci"))
	dev.SetString(2, stringDescriptor("Test Function"))
	hw.Attach(dev)
	return &testRig{ctl: ctl, hw: hw, dev: dev}
}

// addressed gives the test device address 1 without enumeration.
func (r *testRig) addressed() desc.Endpoint {
	r.dev.SetAddress(1)
	return desc.Endpoint{Device: 1, MaxPacket: 64, Speed: hal.SpeedFull}
}

// frames runs n controller frames inside the critical section, then ticks.
func (r *testRig) frames(n int) {
	restore := r.ctl.Raise()
	r.hw.Advance(n)
	restore()
	r.ctl.Monitor()
}

func getDescriptorSetup(kind uint8, length uint16) hal.SetupPacket {
	return hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(kind) << 8,
		Length:      length,
	}
}

// =============================================================================
// Configuration Tests
// =============================================================================

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		ok     bool
	}{
		{"default", func(*Config) {}, true},
		{"external tick", func(c *Config) { c.TickPeriod = 0 }, true},
		{"no block pages", func(c *Config) { c.BlockPages = 0 }, false},
		{"negative tick", func(c *Config) { c.TickPeriod = -time.Millisecond }, false},
		{"no stop timeout", func(c *Config) { c.StopTimeout = 0 }, false},
		{"no transfer timeout", func(c *Config) { c.TransferTimeout = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() error = %v", err)
			}
			if !tt.ok && !errors.Is(err, pkg.ErrInvalidParameter) {
				t.Errorf("Validate() error = %v, want ErrInvalidParameter", err)
			}
		})
	}
}

func TestNew_Failures(t *testing.T) {
	if _, err := New(sim.New(), Config{}); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("New(zero config) error = %v", err)
	}

	hw := sim.New()
	hw.FailDMA(1)
	if _, err := New(hw, DefaultConfig()); !errors.Is(err, pkg.ErrNoMemory) {
		t.Errorf("New() with failing DMA error = %v, want ErrNoMemory", err)
	}
	if hw.DMAPages() != 0 || hw.Mappings() != 0 {
		t.Errorf("failed New left %d pages and %d mappings", hw.DMAPages(), hw.Mappings())
	}
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestNew_TagsLogsWithName(t *testing.T) {
	original, level := pkg.DefaultLogger, pkg.GetLogLevel()
	t.Cleanup(func() {
		pkg.SetLogger(original)
		pkg.SetLogLevel(level)
	})
	var buf bytes.Buffer
	pkg.SetLogger(pkg.NewLogger(&buf, nil))

	cfg := DefaultConfig()
	cfg.TickPeriod = 0
	cfg.Name = "bus7"
	ctl, err := New(sim.New(), cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := ctl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := ctl.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	out := buf.String()
	for _, msg := range []string{"controller started", "controller closed"} {
		if !strings.Contains(out, "msg=\""+msg+"\" component=controller controller=bus7") {
			t.Errorf("%q record not tagged with the controller name:\n%s", msg, out)
		}
	}
}

func TestController_StartStop(t *testing.T) {
	r := newTestRig(t)
	ep := r.addressed()

	if got := r.ctl.State(); got != sched.StateRunning {
		t.Fatalf("State() = %v, want running", got)
	}
	if err := r.ctl.Start(context.Background()); !errors.Is(err, pkg.ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}
	if !r.ctl.Healthy() {
		t.Error("Healthy() = false while running")
	}

	if err := r.ctl.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := r.ctl.State(); got != sched.StateStopped {
		t.Errorf("State() = %v, want stopped", got)
	}
	buf := make([]byte, DeviceDescriptorSize)
	_, err := r.ctl.ControlTransfer(context.Background(), ControlRequest{
		Endpoint: ep,
		Setup:    getDescriptorSetup(DescriptorTypeDevice, DeviceDescriptorSize),
		Data:     buf,
	})
	if !errors.Is(err, pkg.ErrNotRunning) {
		t.Errorf("transfer while stopped error = %v, want ErrNotRunning", err)
	}

	if err := r.ctl.Start(context.Background()); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	if _, err := r.ctl.GetDescriptor(context.Background(), ep, DescriptorTypeDevice, 0, 0, buf); err != nil {
		t.Errorf("transfer after restart error = %v", err)
	}
}

func TestController_Reset(t *testing.T) {
	r := newTestRig(t)
	if err := r.ctl.Reset(sched.ResetHost); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if got := r.ctl.State(); got != sched.StateIdle {
		t.Errorf("State() = %v, want idle", got)
	}
	if err := r.ctl.Start(context.Background()); err != nil {
		t.Fatalf("Start() after reset error = %v", err)
	}
	fn1, _ := r.ctl.FrameNumber()
	r.frames(5)
	fn2, _ := r.ctl.FrameNumber()
	if fn2-fn1 != 5 {
		t.Errorf("frame number advanced %d, want 5", fn2-fn1)
	}
}

func TestController_Close(t *testing.T) {
	hw := sim.New()
	cfg := DefaultConfig()
	cfg.TickPeriod = 0
	ctl, err := New(hw, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := ctl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	dev := sim.NewDevice(nil, nil).SetAddress(3)
	hw.Attach(dev)
	_, err = ctl.SubmitPeriodic(async.Params{
		Endpoint: desc.Endpoint{Device: 3, Number: 1, MaxPacket: 8, Speed: hal.SpeedFull},
		Dir:      hal.DirectionIn,
		Length:   8,
		Interval: 8,
		Callback: func(*async.Request, []byte, error) async.Action { return async.Keep },
	})
	if err != nil {
		t.Fatalf("SubmitPeriodic() error = %v", err)
	}

	if err := ctl.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if hw.DMAPages() != 0 || hw.Mappings() != 0 {
		t.Errorf("Close left %d pages and %d mappings", hw.DMAPages(), hw.Mappings())
	}
	if !hw.Halted() {
		t.Error("controller still running after Close")
	}
	if err := ctl.Start(context.Background()); !errors.Is(err, pkg.ErrClosed) {
		t.Errorf("Start() after Close error = %v, want ErrClosed", err)
	}
	if err := ctl.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestController_CloseForcesHalt(t *testing.T) {
	hw := sim.New(sim.WithStuckRunning())
	cfg := DefaultConfig()
	cfg.TickPeriod = 0
	ctl, err := New(hw, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := ctl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := ctl.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !hw.Halted() {
		t.Fatal("controller still running after Close")
	}
	if hw.DMAPages() != 0 || hw.Mappings() != 0 {
		t.Errorf("Close left %d pages and %d mappings", hw.DMAPages(), hw.Mappings())
	}
	hw.Advance(4)
	if n := hw.Faults(); n != 0 {
		t.Errorf("controller faulted %d times after Close", n)
	}
}

func TestController_CloseKeepsMemoryOfRunawayController(t *testing.T) {
	hw := sim.New(sim.WithWedged())
	cfg := DefaultConfig()
	cfg.TickPeriod = 0
	ctl, err := New(hw, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := ctl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	pages := hw.DMAPages()

	if err := ctl.Close(); !errors.Is(err, pkg.ErrTimeout) {
		t.Fatalf("Close() error = %v, want ErrTimeout", err)
	}
	if hw.Halted() {
		t.Fatal("wedged controller should still be running")
	}
	if hw.DMAPages() != pages {
		t.Errorf("DMA pages = %d, want %d kept for the running controller", hw.DMAPages(), pages)
	}
	hw.Advance(4)
	if n := hw.Faults(); n != 0 {
		t.Errorf("controller faulted %d times", n)
	}
	if err := ctl.Start(context.Background()); errors.Is(err, pkg.ErrClosed) {
		t.Error("failed Close should leave the controller open")
	}
}

func TestController_Run(t *testing.T) {
	hw := sim.New()
	cfg := DefaultConfig()
	cfg.TickPeriod = time.Millisecond
	ctl, err := New(hw, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = ctl.Close() })
	if err := ctl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	dev := sim.NewDevice(nil, nil).SetAddress(4)
	hw.Attach(dev)

	got := make(chan []byte, 1)
	_, err = ctl.SubmitPeriodic(async.Params{
		Endpoint: desc.Endpoint{Device: 4, Number: 1, MaxPacket: 8, Speed: hal.SpeedFull},
		Dir:      hal.DirectionIn,
		Length:   8,
		Interval: 1,
		Callback: func(_ *async.Request, data []byte, err error) async.Action {
			if err == nil {
				got <- append([]byte(nil), data...)
			}
			return async.Remove
		},
	})
	if err != nil {
		t.Fatalf("SubmitPeriodic() error = %v", err)
	}
	dev.QueueReport(1, []byte{0xAA, 0x55})

	// The simulated controller only runs when driven.
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			restore := ctl.Raise()
			hw.Advance(1)
			restore()
			time.Sleep(100 * time.Microsecond)
		}
	}()

	select {
	case data := <-got:
		if !bytes.Equal(data, []byte{0xAA, 0x55}) {
			t.Errorf("report = % x", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tick never delivered the report")
	}

	if err := ctl.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if n := ctl.Periodic(); n != 0 {
		t.Errorf("Periodic() = %d after callback removal", n)
	}
}

func TestRun_RequiresPeriod(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickPeriod = 0
	ctl, err := New(sim.New(), cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer ctl.Close()
	if err := ctl.Run(context.Background()); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("Run() error = %v, want ErrInvalidParameter", err)
	}
}

// =============================================================================
// One-Shot Transfer Tests
// =============================================================================

func TestControlTransfer_GetDescriptor(t *testing.T) {
	r := newTestRig(t)
	ep := r.addressed()
	base := r.ctl.PoolStats().Allocs
	maps := r.hw.Mappings()

	buf := make([]byte, DeviceDescriptorSize)
	res, err := r.ctl.ControlTransfer(context.Background(), ControlRequest{
		Endpoint: ep,
		Setup:    getDescriptorSetup(DescriptorTypeDevice, DeviceDescriptorSize),
		Data:     buf,
	})
	if err != nil {
		t.Fatalf("ControlTransfer() error = %v", err)
	}
	if res.Length != DeviceDescriptorSize || res.Result != pkg.ResultOK {
		t.Errorf("result = %+v", res)
	}
	if !bytes.Equal(buf, testDeviceDescriptor) {
		t.Errorf("descriptor = % x", buf)
	}
	if got := r.ctl.PoolStats().Allocs; got != base {
		t.Errorf("pool allocations = %d, want %d", got, base)
	}
	if got := r.hw.Mappings(); got != maps {
		t.Errorf("mappings = %d, want %d", got, maps)
	}
}

func TestControlTransfer_ShortDataStage(t *testing.T) {
	r := newTestRig(t)
	r.dev.SetAddress(1)
	ep := desc.Endpoint{Device: 1, MaxPacket: 8, Speed: hal.SpeedFull}
	r.hw.ClearPackets()

	buf := make([]byte, 64)
	res, err := r.ctl.ControlTransfer(context.Background(), ControlRequest{
		Endpoint: ep,
		Setup:    getDescriptorSetup(DescriptorTypeDevice, 64),
		Data:     buf,
	})
	if err != nil {
		t.Fatalf("ControlTransfer() error = %v", err)
	}
	if res.Length != DeviceDescriptorSize {
		t.Errorf("Length = %d, want %d", res.Length, DeviceDescriptorSize)
	}

	// SETUP, three IN data packets (8, 8, 2), then the OUT status stage.
	pkts := r.hw.Packets()
	if len(pkts) != 5 {
		t.Fatalf("packets = %d, want 5: %+v", len(pkts), pkts)
	}
	last := pkts[4]
	if last.PID != desc.PIDOut || last.Length != 0 || last.Toggle != 1 || last.Handshake != sim.ACK {
		t.Errorf("status stage = %+v", last)
	}
}

func TestControlTransfer_Stall(t *testing.T) {
	r := newTestRig(t)
	ep := r.addressed()

	buf := make([]byte, 16)
	_, err := r.ctl.ControlTransfer(context.Background(), ControlRequest{
		Endpoint: ep,
		Setup:    getDescriptorSetup(0x0F, 16),
		Data:     buf,
	})
	if !errors.Is(err, pkg.ErrStall) {
		t.Errorf("error = %v, want ErrStall", err)
	}
}

func TestControlTransfer_Invalid(t *testing.T) {
	r := newTestRig(t)
	ep := r.addressed()
	maps := r.hw.Mappings()
	_, err := r.ctl.ControlTransfer(context.Background(), ControlRequest{
		Endpoint: ep,
		Setup:    getDescriptorSetup(DescriptorTypeDevice, 18),
		Data:     make([]byte, 4),
	})
	if !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("short buffer error = %v, want ErrInvalidParameter", err)
	}

	ep.MaxPacket = 0
	_, err = r.ctl.ControlTransfer(context.Background(), ControlRequest{
		Endpoint: ep,
		Setup:    getDescriptorSetup(DescriptorTypeDevice, 18),
		Data:     make([]byte, 18),
	})
	if !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("bad endpoint error = %v, want ErrInvalidParameter", err)
	}
	if got := r.hw.Mappings(); got != maps {
		t.Errorf("mappings = %d after rejected transfer, want %d", got, maps)
	}
}

func TestBulkTransfer(t *testing.T) {
	r := newTestRig(t)
	r.addressed()
	in := desc.Endpoint{Device: 1, Number: 2, MaxPacket: 64, Speed: hal.SpeedFull}
	out := desc.Endpoint{Device: 1, Number: 3, MaxPacket: 64, Speed: hal.SpeedFull}

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	r.dev.SetBulkIn(2, payload)

	buf := make([]byte, 128)
	res, err := r.ctl.BulkTransfer(context.Background(), DataRequest{Endpoint: in, Dir: hal.DirectionIn, Data: buf})
	if err != nil {
		t.Fatalf("bulk IN error = %v", err)
	}
	if res.Length != 100 || !bytes.Equal(buf[:100], payload) {
		t.Errorf("bulk IN moved %d bytes", res.Length)
	}
	if res.Toggle != 0 {
		t.Errorf("bulk IN toggle = %d, want 0 after two packets", res.Toggle)
	}

	data := bytes.Repeat([]byte{0x5A}, 130)
	res, err = r.ctl.BulkTransfer(context.Background(), DataRequest{Endpoint: out, Dir: hal.DirectionOut, Data: data, Toggle: 1})
	if err != nil {
		t.Fatalf("bulk OUT error = %v", err)
	}
	if res.Length != 130 || !bytes.Equal(r.dev.BulkOut(3), data) {
		t.Errorf("bulk OUT moved %d bytes", res.Length)
	}
	if res.Toggle != 0 {
		t.Errorf("bulk OUT toggle = %d, want 0 after three packets from 1", res.Toggle)
	}
}

func TestBulkTransfer_Invalid(t *testing.T) {
	r := newTestRig(t)
	r.addressed()
	ep := desc.Endpoint{Device: 1, Number: 2, MaxPacket: 8, Speed: hal.SpeedLow}

	tests := []struct {
		name string
		req  DataRequest
	}{
		{"low speed", DataRequest{Endpoint: ep, Dir: hal.DirectionIn, Data: make([]byte, 8)}},
		{"empty", DataRequest{Endpoint: desc.Endpoint{Device: 1, Number: 2, MaxPacket: 64}, Dir: hal.DirectionIn}},
		{"no direction", DataRequest{Endpoint: desc.Endpoint{Device: 1, Number: 2, MaxPacket: 64}, Data: make([]byte, 8)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.ctl.BulkTransfer(context.Background(), tt.req); !errors.Is(err, pkg.ErrInvalidParameter) {
				t.Errorf("error = %v, want ErrInvalidParameter", err)
			}
		})
	}
}

func TestBulkTransfer_Timeout(t *testing.T) {
	r := newTestRig(t)
	r.addressed()
	base := r.ctl.PoolStats().Allocs

	ep := desc.Endpoint{Device: 1, Number: 2, MaxPacket: 64, Speed: hal.SpeedFull}
	res, err := r.ctl.BulkTransfer(context.Background(), DataRequest{
		Endpoint: ep,
		Dir:      hal.DirectionIn,
		Data:     make([]byte, 64),
		Toggle:   1,
		Timeout:  5 * time.Millisecond,
	})
	if !errors.Is(err, pkg.ErrTimeout) || !errors.Is(err, pkg.ErrNotExecuted) {
		t.Fatalf("error = %v, want ErrTimeout and ErrNotExecuted", err)
	}
	if res.Result&pkg.ResultNotExecuted == 0 || res.Toggle != 1 {
		t.Errorf("result = %+v, want not-executed with toggle unchanged", res)
	}
	if got := r.ctl.PoolStats().Allocs; got != base {
		t.Errorf("pool allocations = %d, want %d", got, base)
	}
	if r.hw.Faults() != 0 {
		t.Errorf("controller faulted %d times", r.hw.Faults())
	}
}

func TestBulkTransfer_Cancelled(t *testing.T) {
	r := newTestRig(t)
	r.addressed()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ep := desc.Endpoint{Device: 1, Number: 2, MaxPacket: 64, Speed: hal.SpeedFull}
	_, err := r.ctl.BulkTransfer(ctx, DataRequest{Endpoint: ep, Dir: hal.DirectionIn, Data: make([]byte, 64)})
	if !errors.Is(err, pkg.ErrCancelled) {
		t.Errorf("error = %v, want ErrCancelled", err)
	}
}

func TestTransfer_ControllerFault(t *testing.T) {
	r := newTestRig(t)
	ep := r.addressed()
	r.hw.InjectProcessError()

	_, err := r.ctl.ControlTransfer(context.Background(), ControlRequest{
		Endpoint: ep,
		Setup:    getDescriptorSetup(DescriptorTypeDevice, 18),
		Data:     make([]byte, 18),
		Timeout:  3 * time.Millisecond,
	})
	if !errors.Is(err, pkg.ErrDeviceError) {
		t.Errorf("error = %v, want ErrDeviceError", err)
	}

	// The next tick restarts the controller.
	r.ctl.Monitor()
	if !r.ctl.Healthy() {
		t.Error("controller not restarted by the tick")
	}
}

func TestInterruptTransfer(t *testing.T) {
	r := newTestRig(t)
	r.addressed()
	r.dev.QueueReport(1, []byte{1, 2, 3})

	buf := make([]byte, 8)
	ep := desc.Endpoint{Device: 1, Number: 1, MaxPacket: 8, Speed: hal.SpeedFull}
	res, err := r.ctl.InterruptTransfer(context.Background(), DataRequest{Endpoint: ep, Dir: hal.DirectionIn, Data: buf})
	if err != nil {
		t.Fatalf("InterruptTransfer() error = %v", err)
	}
	if res.Length != 3 || !bytes.Equal(buf[:3], []byte{1, 2, 3}) || res.Toggle != 1 {
		t.Errorf("result = %+v data % x", res, buf[:res.Length])
	}
}

func TestInterruptTransfer_Babble(t *testing.T) {
	r := newTestRig(t)
	r.addressed()
	r.dev.QueueReport(1, make([]byte, 16))

	ep := desc.Endpoint{Device: 1, Number: 1, MaxPacket: 8, Speed: hal.SpeedFull}
	res, err := r.ctl.InterruptTransfer(context.Background(), DataRequest{Endpoint: ep, Dir: hal.DirectionIn, Data: make([]byte, 8)})
	if !errors.Is(err, pkg.ErrBabble) {
		t.Fatalf("error = %v, want ErrBabble", err)
	}
	if errors.Is(err, pkg.ErrStall) || res.Result.Stalled() {
		t.Errorf("babble reported as stall: %v", res.Result)
	}
}

func TestIsochronousTransfer(t *testing.T) {
	r := newTestRig(t)
	_, err := r.ctl.IsochronousTransfer(context.Background(), DataRequest{})
	if !errors.Is(err, pkg.ErrNotSupported) {
		t.Errorf("error = %v, want ErrNotSupported", err)
	}
}

// =============================================================================
// Enumeration Tests
// =============================================================================

func TestEnumerate(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	d, err := r.ctl.Enumerate(ctx, hal.SpeedFull, 5)
	if err != nil {
		t.Fatalf("Enumerate() error = %v", err)
	}
	if d.Address() != 5 || r.dev.Address() != 5 {
		t.Errorf("address host %d device %d, want 5", d.Address(), r.dev.Address())
	}
	if r.dev.Configuration() != 1 {
		t.Errorf("device configuration = %d, want 1", r.dev.Configuration())
	}
	dd := d.Descriptor()
	if dd.VendorID != 0x1234 || dd.ProductID != 0x5678 || dd.MaxPacketSize0 != 64 {
		t.Errorf("descriptor = %+v", dd)
	}
	if len(d.Interfaces()) != 1 || len(d.Endpoints()) != 3 {
		t.Fatalf("interfaces %d endpoints %d", len(d.Interfaces()), len(d.Endpoints()))
	}
	if ep := d.FindEndpoint(EndpointTypeInterrupt, hal.DirectionIn); ep == nil || ep.EndpointAddress != 0x81 || ep.Interval != 10 {
		t.Errorf("interrupt endpoint = %+v", ep)
	}

	cfg, err := r.ctl.GetConfiguration(ctx, d.Control())
	if err != nil || cfg != 1 {
		t.Errorf("GetConfiguration() = %d, %v", cfg, err)
	}
	s, err := r.ctl.GetString(ctx, d.Control(), dd.ProductIndex)
	if err != nil || s != "Test Function" {
		t.Errorf("GetString() = %q, %v", s, err)
	}
}

func TestEnumerate_NoDevice(t *testing.T) {
	r := newTestRig(t)
	r.hw.Detach(r.dev)
	if _, err := r.ctl.Enumerate(context.Background(), hal.SpeedFull, 5); err == nil {
		t.Fatal("Enumerate() succeeded without a device")
	}
}

func TestSetAddress_Invalid(t *testing.T) {
	r := newTestRig(t)
	ep := desc.Endpoint{MaxPacket: 8, Speed: hal.SpeedFull}
	for _, addr := range []uint8{0, 128} {
		if err := r.ctl.SetAddress(context.Background(), ep, addr); !errors.Is(err, pkg.ErrInvalidParameter) {
			t.Errorf("SetAddress(%d) error = %v", addr, err)
		}
	}
}

func TestDevice_TransferKeepsToggle(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	d, err := r.ctl.Enumerate(ctx, hal.SpeedFull, 2)
	if err != nil {
		t.Fatalf("Enumerate() error = %v", err)
	}

	r.dev.SetBulkIn(2, make([]byte, 64*3))
	r.hw.ClearPackets()
	buf := make([]byte, 64)
	for range 3 {
		if _, err := d.Transfer(ctx, 0x82, buf); err != nil {
			t.Fatalf("Transfer() error = %v", err)
		}
	}
	var toggles []uint8
	for _, p := range r.hw.Packets() {
		toggles = append(toggles, p.Toggle)
	}
	if !bytes.Equal(toggles, []uint8{0, 1, 0}) {
		t.Errorf("toggles = %v, want [0 1 0]", toggles)
	}

	if _, err := d.Transfer(ctx, 0x84, buf); !errors.Is(err, pkg.ErrNotFound) {
		t.Errorf("unknown endpoint error = %v, want ErrNotFound", err)
	}
}

func TestDevice_ClearHalt(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	d, err := r.ctl.Enumerate(ctx, hal.SpeedFull, 2)
	if err != nil {
		t.Fatalf("Enumerate() error = %v", err)
	}

	r.dev.SetBulkIn(2, make([]byte, 64))
	if _, err := d.Transfer(ctx, 0x82, make([]byte, 64)); err != nil {
		t.Fatalf("Transfer() error = %v", err)
	}
	r.dev.Halt(2)
	if _, err := d.Transfer(ctx, 0x82, make([]byte, 64)); !errors.Is(err, pkg.ErrStall) {
		t.Fatalf("Transfer() on halted endpoint error = %v, want ErrStall", err)
	}

	if err := d.ClearHalt(ctx, 0x82); err != nil {
		t.Fatalf("ClearHalt() error = %v", err)
	}
	if r.dev.Halted(2) {
		t.Error("endpoint still halted")
	}
	if d.toggles[0x82] != 0 {
		t.Errorf("toggle = %d after ClearHalt, want 0", d.toggles[0x82])
	}
}

func TestDevice_Poll(t *testing.T) {
	r := newTestRig(t)
	d, err := r.ctl.Enumerate(context.Background(), hal.SpeedFull, 2)
	if err != nil {
		t.Fatalf("Enumerate() error = %v", err)
	}

	var reports atomic.Int32
	req, err := d.Poll(0x81, func(r *async.Request, data []byte, err error) async.Action {
		if err == nil && len(data) == 4 && r.Context() == any(d) {
			reports.Add(1)
		}
		return async.Keep
	})
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if req.Interval() != 8 || req.RequestedInterval() != 10 {
		t.Errorf("interval %d requested %d, want 8 10", req.Interval(), req.RequestedInterval())
	}

	r.dev.QueueReport(1, []byte{0, 0, 4, 0})
	r.frames(8)
	r.dev.QueueReport(1, []byte{0, 0, 5, 0})
	r.frames(8)
	if got := reports.Load(); got != 2 {
		t.Errorf("reports = %d, want 2", got)
	}

	if _, err := d.Poll(0x82, nil); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("Poll(bulk) error = %v, want ErrInvalidParameter", err)
	}

	d.Close()
	if n := r.ctl.Periodic(); n != 0 {
		t.Errorf("Periodic() = %d after Close", n)
	}
}

func TestDevice_PollContinuesToggle(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	d, err := r.ctl.Enumerate(ctx, hal.SpeedFull, 2)
	if err != nil {
		t.Fatalf("Enumerate() error = %v", err)
	}
	r.hw.ClearPackets()

	// One-shot read leaves the endpoint at toggle 1.
	r.dev.QueueReport(1, []byte{0, 0, 4, 0})
	if _, err := d.Transfer(ctx, 0x81, make([]byte, 8)); err != nil {
		t.Fatalf("Transfer() error = %v", err)
	}

	req, err := d.Poll(0x81, func(*async.Request, []byte, error) async.Action { return async.Keep })
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if req.Toggle() != 1 {
		t.Errorf("polling starts at toggle %d, want 1", req.Toggle())
	}
	if _, err := d.Transfer(ctx, 0x81, make([]byte, 8)); !errors.Is(err, pkg.ErrAlreadyRunning) {
		t.Errorf("Transfer() while polling error = %v, want ErrAlreadyRunning", err)
	}
	if _, err := d.Poll(0x81, func(*async.Request, []byte, error) async.Action { return async.Keep }); !errors.Is(err, pkg.ErrAlreadyRunning) {
		t.Errorf("second Poll() error = %v, want ErrAlreadyRunning", err)
	}

	r.dev.QueueReport(1, []byte{0, 0, 5, 0})
	r.frames(8)
	d.StopPoll(0x81)
	if req.State() != async.StateRemoved {
		t.Fatalf("request state %v after StopPoll", req.State())
	}

	// The next one-shot read picks up after the polled report.
	r.dev.QueueReport(1, []byte{0, 0, 6, 0})
	if _, err := d.Transfer(ctx, 0x81, make([]byte, 8)); err != nil {
		t.Fatalf("Transfer() after StopPoll error = %v", err)
	}

	var toggles []uint8
	for _, p := range r.hw.Packets() {
		if p.Endpoint == 1 && p.Handshake == sim.ACK {
			toggles = append(toggles, p.Toggle)
		}
	}
	if !bytes.Equal(toggles, []uint8{0, 1, 0}) {
		t.Errorf("interrupt IN toggles = %v, want [0 1 0]", toggles)
	}
}

func TestPeriodic_CallbackCallsController(t *testing.T) {
	r := newTestRig(t)
	ctl := r.addressed()
	ep := desc.Endpoint{Device: 1, Number: 1, MaxPacket: 8, Speed: hal.SpeedFull}

	var (
		descLen int
		descErr error
		remErr  error
	)
	req, err := r.ctl.SubmitPeriodic(async.Params{
		Endpoint: ep,
		Dir:      hal.DirectionIn,
		Length:   8,
		Interval: 1,
		Callback: func(req *async.Request, data []byte, err error) async.Action {
			buf := make([]byte, DeviceDescriptorSize)
			descLen, descErr = r.ctl.GetDescriptor(context.Background(), ctl, DescriptorTypeDevice, 0, 0, buf)
			remErr = r.ctl.RemovePeriodic(req)
			return async.Keep
		},
	})
	if err != nil {
		t.Fatalf("SubmitPeriodic() error = %v", err)
	}

	r.dev.QueueReport(1, []byte{1})
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.frames(1)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tick did not return from a callback calling the controller")
	}

	if descErr != nil || descLen != DeviceDescriptorSize {
		t.Errorf("GetDescriptor() from callback = %d, %v", descLen, descErr)
	}
	if remErr != nil || req.State() != async.StateRemoved || r.ctl.Periodic() != 0 {
		t.Errorf("RemovePeriodic() from callback = %v, state %v", remErr, req.State())
	}
}

func TestRemoveEndpoint(t *testing.T) {
	r := newTestRig(t)
	r.addressed()
	ep := desc.Endpoint{Device: 1, Number: 1, MaxPacket: 8, Speed: hal.SpeedFull}
	cb := func(*async.Request, []byte, error) async.Action { return async.Keep }

	a, err := r.ctl.SubmitPeriodic(async.Params{Endpoint: ep, Dir: hal.DirectionIn, Length: 8, Interval: 4, Callback: cb})
	if err != nil {
		t.Fatalf("SubmitPeriodic() error = %v", err)
	}
	if _, err := r.ctl.SubmitPeriodic(async.Params{Endpoint: ep, Dir: hal.DirectionIn, Length: 8, Interval: 16, Callback: cb}); err != nil {
		t.Fatalf("SubmitPeriodic() error = %v", err)
	}
	if err := r.ctl.RemovePeriodic(a); err != nil {
		t.Fatalf("RemovePeriodic() error = %v", err)
	}
	if n := r.ctl.RemoveEndpoint(1, 1); n != 1 {
		t.Errorf("RemoveEndpoint() = %d, want 1", n)
	}

	if err := r.ctl.Stop(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ctl.SubmitPeriodic(async.Params{Endpoint: ep, Dir: hal.DirectionIn, Length: 8, Interval: 4, Callback: cb}); !errors.Is(err, pkg.ErrNotRunning) {
		t.Errorf("SubmitPeriodic() while stopped error = %v, want ErrNotRunning", err)
	}
}

// =============================================================================
// Descriptor Parsing Tests
// =============================================================================

func TestParseDeviceDescriptor(t *testing.T) {
	var d DeviceDescriptor
	if !ParseDeviceDescriptor(testDeviceDescriptor, &d) {
		t.Fatal("ParseDeviceDescriptor() = false")
	}
	if d.USBVersion != 0x0110 || d.NumConfigurations != 1 || d.ManufacturerIndex != 1 {
		t.Errorf("descriptor = %+v", d)
	}
	if ParseDeviceDescriptor(testDeviceDescriptor[:10], &d) {
		t.Error("short descriptor accepted")
	}
	if ParseDeviceDescriptor(testConfigDescriptor[:18], &d) {
		t.Error("wrong descriptor type accepted")
	}
}

func TestDevice_ParseConfiguration(t *testing.T) {
	tests := []struct {
		name      string
		data      []byte
		endpoints int
		ok        bool
	}{
		{"full", testConfigDescriptor, 3, true},
		{"header only", testConfigDescriptor[:9], 0, true},
		{"truncated endpoint", testConfigDescriptor[:30], 0, false},
		{"zero length entry", append(append([]byte(nil), testConfigDescriptor[:18]...), 0, 0, 0, 0, 0, 0, 0, 0, 0), 0, false},
		{"not a configuration", testDeviceDescriptor, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Device{}
			err := d.parseConfiguration(tt.data)
			if tt.ok != (err == nil) {
				t.Fatalf("parseConfiguration() error = %v, want ok %v", err, tt.ok)
			}
			if tt.ok && len(d.endpoints) != tt.endpoints {
				t.Errorf("endpoints = %d, want %d", len(d.endpoints), tt.endpoints)
			}
		})
	}
}

func TestEndpointDescriptor(t *testing.T) {
	var e EndpointDescriptor
	if !ParseEndpointDescriptor(testConfigDescriptor[27:34], &e) {
		t.Fatal("ParseEndpointDescriptor() = false")
	}
	if e.Number() != 1 || e.Direction() != hal.DirectionIn || !e.IsInterrupt() || e.IsBulk() {
		t.Errorf("endpoint = %+v", e)
	}
	target := e.Target(7, hal.SpeedLow)
	want := desc.Endpoint{Device: 7, Number: 1, MaxPacket: 8, Speed: hal.SpeedLow}
	if target != want {
		t.Errorf("Target() = %+v, want %+v", target, want)
	}
}
