package actuator

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrMissingHandle = errors.New("actuator: missing handle")
	ErrDeviceFault   = errors.New("actuator: device fault")
)

// Handle is the capability to read one actuator and command it closed-loop
// (position) or open-loop (velocity, duty cycle).
type Handle interface {
	Position(ctx context.Context) (float64, error)
	SetPosition(ctx context.Context, target float64) error
	SetVelocity(ctx context.Context, velocity float64) error
	SetDutyCycle(ctx context.Context, duty float64) error
}

// Role names one actuator slot on the digging mechanism.
type Role string

const (
	RoleLeftLift   Role = "left_lift"
	RoleRightLift  Role = "right_lift"
	RoleTilt       Role = "tilt"
	RoleLeftDrive  Role = "left_drive"
	RoleRightDrive Role = "right_drive"
	RoleAgitator   Role = "agitator"
)

// Roles lists every slot in bus order.
func Roles() []Role {
	return []Role{RoleLeftDrive, RoleRightDrive, RoleLeftLift, RoleRightLift, RoleTilt, RoleAgitator}
}

// Rig is the set of handles one controller owns for the process lifetime.
type Rig struct {
	LeftLift   Handle
	RightLift  Handle
	Tilt       Handle
	LeftDrive  Handle
	RightDrive Handle
	Agitator   Handle
}

func (r Rig) Validate() error {
	for _, role := range Roles() {
		if r.Handle(role) == nil {
			return fmt.Errorf("%w: %s", ErrMissingHandle, role)
		}
	}
	return nil
}

// Handle returns the handle bound to role, or nil.
func (r Rig) Handle(role Role) Handle {
	switch role {
	case RoleLeftLift:
		return r.LeftLift
	case RoleRightLift:
		return r.RightLift
	case RoleTilt:
		return r.Tilt
	case RoleLeftDrive:
		return r.LeftDrive
	case RoleRightDrive:
		return r.RightDrive
	case RoleAgitator:
		return r.Agitator
	}
	return nil
}

// Map applies wrap to every handle and returns the wrapped rig.
func (r Rig) Map(wrap func(Role, Handle) Handle) Rig {
	return Rig{
		LeftLift:   wrap(RoleLeftLift, r.LeftLift),
		RightLift:  wrap(RoleRightLift, r.RightLift),
		Tilt:       wrap(RoleTilt, r.Tilt),
		LeftDrive:  wrap(RoleLeftDrive, r.LeftDrive),
		RightDrive: wrap(RoleRightDrive, r.RightDrive),
		Agitator:   wrap(RoleAgitator, r.Agitator),
	}
}

// DeviceIDs maps rig roles onto bus device ids.
type DeviceIDs struct {
	LeftDrive  uint32
	RightDrive uint32
	LeftLift   uint32
	RightLift  uint32
	Tilt       uint32
	Agitator   uint32
}

// DefaultDeviceIDs is the motor controller numbering on the excavator bus.
func DefaultDeviceIDs() DeviceIDs {
	return DeviceIDs{
		LeftDrive:  1,
		RightDrive: 2,
		LeftLift:   3,
		RightLift:  4,
		Tilt:       5,
		Agitator:   6,
	}
}

func (d DeviceIDs) ID(role Role) uint32 {
	switch role {
	case RoleLeftLift:
		return d.LeftLift
	case RoleRightLift:
		return d.RightLift
	case RoleTilt:
		return d.Tilt
	case RoleLeftDrive:
		return d.LeftDrive
	case RoleRightDrive:
		return d.RightDrive
	case RoleAgitator:
		return d.Agitator
	}
	return 0
}

func (d DeviceIDs) Validate() error {
	seen := make(map[uint32]Role, 6)
	for _, role := range Roles() {
		id := d.ID(role)
		if id == 0 {
			return fmt.Errorf("actuator: device id for %s must be non-zero", role)
		}
		if other, ok := seen[id]; ok {
			return fmt.Errorf("actuator: device id %d shared by %s and %s", id, other, role)
		}
		seen[id] = role
	}
	return nil
}
