package norftl

import (
	"github.com/dsoprea/go-logging"
)

// IoctlCode enumerates the driver-facing control operations of spec.md §6,
// dispatched through Driver.Ioctl the way a block-device driver dispatches
// vendor ioctls to its FTL core.
type IoctlCode int

const (
	// IoctlGetDevInfo returns a DeviceInfo snapshot.
	IoctlGetDevInfo IoctlCode = iota
	// IoctlFormatLowLevel performs a low-level format.
	IoctlFormatLowLevel
	// IoctlRequiresFormat reports whether Mount would fail with
	// REQUIRES_FORMAT.
	IoctlRequiresFormat
	// IoctlUnmount releases the Instance without error (a clean unmount is
	// a no-op at the block level: every write is already durable).
	IoctlUnmount
	// IoctlUnmountForced is identical to IoctlUnmount; the distinction is
	// surfaced for caller logging only, per spec.md §6.
	IoctlUnmountForced
	// IoctlCleanOne runs one Instance.CleanOne step: erase one pending-erase
	// PS or, when none is pending, convert one idle Work Block that has a
	// backing Data Block.
	IoctlCleanOne
	// IoctlClean repeats CleanOne steps until one does no work.
	IoctlClean
	// IoctlGetCleanCnt reports Instance.GetCleanCnt: the pending-erase PS
	// count plus the predicted conversion cost of every live Work Block.
	IoctlGetCleanCnt
	// IoctlGetSectorUsage classifies one PS. Arg must be a Psi.
	IoctlGetSectorUsage
	// IoctlFreeSectors reports the free PS count.
	IoctlFreeSectors
	// IoctlFreeSectorRange implements the FREE_SECTORS trim command of
	// spec.md §4.9: frees a contiguous range of logical sectors. Arg must be
	// a FreeSectorRangeArgs. Distinct from IoctlFreeSectors, which reports a
	// count and predates this range-trim operation.
	IoctlFreeSectorRange
	// IoctlDeinit is a no-op placeholder for drivers that need a symmetric
	// teardown call; go-nor-ftl has no resources beyond Phy to release.
	IoctlDeinit
)

// FreeSectorRangeArgs is the argument type for IoctlFreeSectorRange.
type FreeSectorRangeArgs struct {
	Start LogSectorIndex
	Count uint32
}

// Driver is the thin ioctl-dispatching facade spec.md §6 describes a block-
// device driver binding against, wrapping an Instance. It is the only type
// in the package a driver-integration layer needs to hold.
//
// Grounded on cmd/exfat_list_contents/main.go's shape: a few lines gluing a
// parsed CLI invocation to the right ExfatReader/Tree call and printing the
// result, generalized here into a dispatch table over IoctlCode instead of
// a CLI subcommand switch.
type Driver struct {
	name string
	inst *Instance
}

// NewDriver wraps inst as a named Driver.
func NewDriver(name string, inst *Instance) *Driver {
	return &Driver{name: name, inst: inst}
}

// GetName returns the driver's configured name.
func (d *Driver) GetName() string {
	return d.name
}

// AddDevice is a placeholder hook mirroring the block-device driver
// registration step of spec.md §6; go-nor-ftl's Instance is already bound
// to its Phy at construction, so AddDevice only validates readiness.
func (d *Driver) AddDevice() error {
	if d.inst == nil {
		return log.Errorf("driver has no bound Instance")
	}
	return nil
}

// InitMedium mounts the medium, formatting it first if InitMedium's own
// REQUIRES_FORMAT check (IoctlRequiresFormat) indicates the magic does not
// match.
func (d *Driver) InitMedium() error {
	needsFormat, err := d.requiresFormat()
	if err != nil {
		return err
	}
	if needsFormat {
		return d.inst.Format()
	}
	return d.inst.Mount()
}

func (d *Driver) requiresFormat() (bool, error) {
	_, ok, err := lowLevelMount(d.inst.phy, d.inst.codec, d.inst.phy.NumSectors()-1)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// Read reads logical sector idx into out.
func (d *Driver) Read(idx LogSectorIndex, out []byte) error {
	return d.inst.ReadSector(idx, out)
}

// Write writes payload to logical sector idx. repeatSame, when >1,
// performs the same write that many times — the device-aging stress
// pattern spec.md §6 names for wear-leveling soak tests.
func (d *Driver) Write(idx LogSectorIndex, payload []byte, repeatSame int) error {
	if repeatSame < 1 {
		repeatSame = 1
	}
	for i := 0; i < repeatSame; i++ {
		if err := d.inst.WriteSector(idx, payload); err != nil {
			return err
		}
	}
	return nil
}

// GetStatus reports whether the instance is currently write-protected due
// to a latched fatal error.
func (d *Driver) GetStatus() (writeProtected bool, fatal error) {
	d.inst.mu.Lock()
	defer d.inst.mu.Unlock()
	if d.inst.fatal != nil {
		return d.inst.writeProtected, d.inst.fatal
	}
	return d.inst.writeProtected, nil
}

// NumUnits reports the number of logical blocks the medium exposes.
func (d *Driver) NumUnits() uint32 {
	return d.inst.numLogBlocks
}

// Ioctl dispatches one of the IoctlCode operations, returning a result
// whose concrete type depends on code: DeviceInfo for IoctlGetDevInfo, bool
// for IoctlRequiresFormat/IoctlCleanOne, int for IoctlClean/
// IoctlGetCleanCnt, uint32 for IoctlFreeSectors, SectorUsage for
// IoctlGetSectorUsage, nil for IoctlFreeSectorRange and otherwise.
func (d *Driver) Ioctl(code IoctlCode, arg interface{}) (interface{}, error) {
	switch code {
	case IoctlGetDevInfo:
		return d.inst.GetDeviceInfo(), nil

	case IoctlFormatLowLevel:
		return nil, d.inst.Format()

	case IoctlRequiresFormat:
		return d.requiresFormat()

	case IoctlUnmount, IoctlUnmountForced, IoctlDeinit:
		return nil, nil

	case IoctlCleanOne:
		return d.inst.CleanOne()

	case IoctlClean:
		return d.inst.Clean()

	case IoctlGetCleanCnt:
		return d.inst.GetCleanCnt(), nil

	case IoctlGetSectorUsage:
		psi, ok := arg.(Psi)
		if !ok {
			return nil, log.Errorf("IoctlGetSectorUsage requires a Psi argument")
		}
		return d.inst.GetSectorUsage(psi), nil

	case IoctlFreeSectors:
		return d.inst.FreeSectors(), nil

	case IoctlFreeSectorRange:
		args, ok := arg.(FreeSectorRangeArgs)
		if !ok {
			return nil, log.Errorf("IoctlFreeSectorRange requires a FreeSectorRangeArgs argument")
		}
		return nil, d.inst.FreeSectorRange(args.Start, args.Count)

	default:
		return nil, log.Errorf("unknown ioctl code: %d", code)
	}
}
