package sched

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/ardnew/softuhci/hal"
	"github.com/ardnew/softuhci/pkg"
)

// State is the software view of the controller.
type State uint8

// Controller states.
const (
	StateIdle          State = iota // Reset, not yet started
	StateRunning                    // Run bit set
	StateStopped                    // Halted on request
	StateHaltedByError              // Halted on its own, about to be restarted
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateHaltedByError:
		return "halted-by-error"
	default:
		return "unknown"
	}
}

// ResetKind selects the reset Reset performs.
type ResetKind uint8

// Reset kinds.
const (
	ResetHost   ResetKind = iota // HCRESET: controller only
	ResetGlobal                  // GRESET: controller and the bus
)

// String returns the reset name.
func (k ResetKind) String() string {
	if k == ResetGlobal {
		return "global"
	}
	return "host"
}

// Timing constants.
const (
	// haltPoll is the interval between halted checks while stopping.
	haltPoll = 50 * time.Microsecond

	// globalResetHold is how long GRESET is held asserted.
	globalResetHold = 10 * time.Millisecond

	// hostResetTimeout bounds the wait for HCRESET to self-clear.
	hostResetTimeout = 10 * time.Millisecond
)

func (s *Schedule) read(reg uint32, w hal.Width) (uint32, error) {
	v, err := s.platform.ReadRegister(reg, w)
	if err != nil {
		return 0, errors.WithSecondaryError(errors.Wrapf(pkg.ErrRegister, "read %#x", reg), err)
	}
	return v, nil
}

func (s *Schedule) write(reg uint32, w hal.Width, v uint32) error {
	if err := s.platform.WriteRegister(reg, w, v); err != nil {
		return errors.WithSecondaryError(errors.Wrapf(pkg.ErrRegister, "write %#x", reg), err)
	}
	return nil
}

func (s *Schedule) status() (uint16, error) {
	v, err := s.read(RegUSBSTS, hal.Width16)
	return uint16(v), err
}

// State returns the software state of the controller.
func (s *Schedule) State() State {
	return s.state
}

// Start points the controller at the frame list and sets it running.
func (s *Schedule) Start() error {
	if s.state == StateRunning {
		return pkg.ErrAlreadyRunning
	}
	if err := s.write(RegFRBASEADD, hal.Width32, s.FrameListAddr()); err != nil {
		return err
	}
	if err := s.write(RegFRNUM, hal.Width16, 0); err != nil {
		return err
	}
	if err := s.write(RegUSBINTR, hal.Width16,
		uint32(IntrTimeoutCRC|IntrResume|IntrIOC|IntrShort)); err != nil {
		return err
	}
	if err := s.write(RegUSBCMD, hal.Width16, uint32(runCommand)); err != nil {
		return err
	}
	s.state = StateRunning

	pkg.LogInfo(pkg.ComponentSchedule, "controller started",
		"frame_list", s.FrameListAddr())
	return nil
}

// Stop clears the run bit and waits up to timeout for the controller to
// halt. Running out of time returns an error matching pkg.ErrTimeout;
// register access failures match pkg.ErrRegister.
func (s *Schedule) Stop(timeout time.Duration) error {
	cmd, err := s.read(RegUSBCMD, hal.Width16)
	if err != nil {
		return err
	}
	if err := s.write(RegUSBCMD, hal.Width16, cmd&^uint32(CmdRS)); err != nil {
		return err
	}

	for waited := time.Duration(0); ; waited += haltPoll {
		sts, err := s.status()
		if err != nil {
			return err
		}
		if sts&StsHCH != 0 {
			break
		}
		if waited >= timeout {
			pkg.LogWarn(pkg.ComponentSchedule, "controller did not halt",
				"timeout", timeout)
			return errors.Wrapf(pkg.ErrTimeout, "controller still running after %s", timeout)
		}
		s.platform.Stall(haltPoll)
	}
	s.state = StateStopped

	pkg.LogInfo(pkg.ComponentSchedule, "controller stopped")
	return nil
}

// Reset resets the controller. Register contents are lost, so Start must
// follow before the schedule runs again.
func (s *Schedule) Reset(kind ResetKind) error {
	switch kind {
	case ResetGlobal:
		if err := s.write(RegUSBCMD, hal.Width16, uint32(CmdGRESET)); err != nil {
			return err
		}
		s.platform.Stall(globalResetHold)
		if err := s.write(RegUSBCMD, hal.Width16, 0); err != nil {
			return err
		}

	case ResetHost:
		if err := s.write(RegUSBCMD, hal.Width16, uint32(CmdHCRESET)); err != nil {
			return err
		}
		for waited := time.Duration(0); ; waited += haltPoll {
			cmd, err := s.read(RegUSBCMD, hal.Width16)
			if err != nil {
				return err
			}
			if uint16(cmd)&CmdHCRESET == 0 {
				break
			}
			if waited >= hostResetTimeout {
				return errors.Wrap(pkg.ErrTimeout, "host controller reset did not complete")
			}
			s.platform.Stall(haltPoll)
		}

	default:
		return errors.Wrapf(pkg.ErrInvalidParameter, "reset kind %d", kind)
	}
	s.state = StateIdle

	pkg.LogInfo(pkg.ComponentSchedule, "controller reset", "kind", kind)
	return nil
}

// AckInterrupts clears every pending status bit and returns the bits that
// were set. A controller that halted on its own while it should be running
// is restarted here: such a halt is transient and not a transfer failure.
func (s *Schedule) AckInterrupts() (uint16, error) {
	sts, err := s.status()
	if err != nil {
		return 0, err
	}
	if err := s.write(RegUSBSTS, hal.Width16, uint32(StsAll)); err != nil {
		return sts, err
	}

	if s.state == StateRunning && sts&(StsHCH|StsHCPE|StsHSE) != 0 {
		s.state = StateHaltedByError
		pkg.LogWarn(pkg.ComponentSchedule, "controller halted, restarting",
			"status", sts)
		if err := s.write(RegUSBCMD, hal.Width16, uint32(runCommand)); err != nil {
			return sts, err
		}
		s.state = StateRunning
	}
	return sts, nil
}

// Healthy reports whether the controller is running without a pending
// fault.
func (s *Schedule) Healthy() bool {
	sts, err := s.status()
	if err != nil {
		return false
	}
	return sts&(StsHCH|StsHCPE|StsHSE) == 0
}

// Halted reports whether the controller has stopped fetching the schedule.
func (s *Schedule) Halted() (bool, error) {
	sts, err := s.status()
	return sts&StsHCH != 0, err
}

// FrameNumber returns the current frame number.
func (s *Schedule) FrameNumber() (uint16, error) {
	v, err := s.read(RegFRNUM, hal.Width16)
	return uint16(v) & 0x7FF, err
}
