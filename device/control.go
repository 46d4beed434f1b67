package device

import (
	"fmt"

	"github.com/ardnew/softudc/pkg"
)

// Stage is the position of endpoint 0 within a control transfer.
type Stage uint8

// Control transfer stages.
const (
	StageSetup     Stage = iota // Waiting for SETUP
	StageDataOut                // Host-to-device data stage
	StageDataIn                 // Device-to-host data stage
	StageNoData                 // No data stage, waiting for status IN
	StageStatusOut              // Host acknowledges an IN data stage
	StageStatusIn               // Device acknowledges an OUT or no-data transfer
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageSetup:
		return "Setup"
	case StageDataOut:
		return "DataOut"
	case StageDataIn:
		return "DataIn"
	case StageNoData:
		return "NoData"
	case StageStatusOut:
		return "StatusOut"
	case StageStatusIn:
		return "StatusIn"
	default:
		return fmt.Sprintf("Stage(%d)", s)
	}
}

// controlContext tracks the control transfer in progress. Guarded by the
// controller's device lock.
type controlContext struct {
	stage   Stage
	setup   SetupPacket
	onStage func(from, to Stage)
}

func (c *controlContext) set(to Stage) {
	from := c.stage
	if from == to {
		return
	}
	c.stage = to
	pkg.LogDebug(pkg.ComponentControl, "stage", "from", from, "to", to)
	if c.onStage != nil {
		c.onStage(from, to)
	}
}

// begin starts a control transfer for setup and returns the first stage.
func (c *controlContext) begin(setup *SetupPacket) Stage {
	c.set(StageSetup)
	c.setup = *setup
	switch {
	case setup.Length == 0:
		c.set(StageNoData)
	case setup.IsDeviceToHost():
		c.set(StageDataIn)
	default:
		c.set(StageDataOut)
	}
	return c.stage
}

// enqueueIn validates a request queued on the control IN endpoint. A
// zero-length request in the no-data stage is the status handshake. Status
// stages carry no data.
func (c *controlContext) enqueueIn(zlp bool) error {
	switch c.stage {
	case StageDataIn:
		return nil
	case StageStatusIn:
		if zlp {
			return nil
		}
	case StageNoData:
		if zlp {
			c.set(StageStatusIn)
			return nil
		}
	}
	return fmt.Errorf("control IN in stage %s: %w", c.stage, pkg.ErrProtocol)
}

// complete advances the stage after a control endpoint finished a request.
// An unexpected direction leaves the stage unchanged and returns
// pkg.ErrProtocol.
func (c *controlContext) complete(in bool) (Stage, error) {
	from := c.stage
	var to Stage
	switch {
	case in && from == StageDataIn:
		to = StageStatusOut
	case in && (from == StageStatusIn || from == StageNoData):
		to = StageSetup
	case !in && from == StageDataOut:
		to = StageStatusIn
	case !in && from == StageStatusOut:
		to = StageSetup
	default:
		dir := "OUT"
		if in {
			dir = "IN"
		}
		return from, fmt.Errorf("%s completion in stage %s: %w", dir, from, pkg.ErrProtocol)
	}
	c.set(to)
	return to, nil
}

// reset abandons the control transfer in progress.
func (c *controlContext) reset() {
	c.set(StageSetup)
	c.setup = SetupPacket{}
}
