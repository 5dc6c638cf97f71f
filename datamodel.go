package norftl

// PSHDataStat is the physical-sector-header status tag of spec.md §3.
type PSHDataStat uint8

const (
	// PSHEmpty marks a physical sector as free and erased.
	PSHEmpty PSHDataStat = iota
	// PSHWork marks a physical sector as a Work Block.
	PSHWork
	// PSHValid marks a physical sector as a Data Block.
	PSHValid
	// PSHInvalid marks a physical sector as holding superseded content,
	// pending erase.
	PSHInvalid
)

// String renders the PSH status for logging.
func (s PSHDataStat) String() string {
	switch s {
	case PSHEmpty:
		return "Empty"
	case PSHWork:
		return "Work"
	case PSHValid:
		return "Valid"
	case PSHInvalid:
		return "Invalid"
	default:
		return "Unknown"
	}
}

// LSHDataStat is the logical-sector-header status tag of spec.md §3.
type LSHDataStat uint8

const (
	// LSHEmpty marks a logical-sector slot as never written.
	LSHEmpty LSHDataStat = iota
	// LSHValid marks a logical-sector slot as holding the current copy.
	LSHValid
	// LSHInvalid marks a logical-sector slot as holding a superseded
	// copy.
	LSHInvalid
)

// String renders the LSH status for logging.
func (s LSHDataStat) String() string {
	switch s {
	case LSHEmpty:
		return "Empty"
	case LSHValid:
		return "Valid"
	case LSHInvalid:
		return "Invalid"
	default:
		return "Unknown"
	}
}

// PSH is the in-RAM representation of a Physical Sector Header (spec.md §3).
// Headers are always manipulated as RAM-local copies; codec.go is the only
// code that knows how to read or write the on-flash encoding, including the
// no-rewrite section split.
type PSH struct {
	DataStat       PSHDataStat
	DataCnt        DataCnt
	Lbi            Lbi
	EraseCnt       EraseCnt
	EraseSignature uint32

	CRCStatus CRCStatus
	CRC       [3]byte

	ECCStatus [2]ECCStatus
	ECCParity [2][]byte

	// OffStart/OffEnd record the tightest byte range touched by mutations
	// made to this in-RAM copy since it was last flushed, so the writer
	// can write only the flash lines that cover it (spec.md §4.1). Both
	// fields are set to offsetUnset by NewPSH and by any method that
	// flushes the header as a whole.
	OffStart, OffEnd int
}

// NewPSH returns a blank (all-fields-zero) PSH with the optimization window
// reset.
func NewPSH() *PSH {
	return &PSH{OffStart: offsetUnset, OffEnd: offsetUnset}
}

// touch widens the PSH's OffStart/OffEnd window to cover [start, end).
func (p *PSH) touch(start, end int) {
	if p.OffStart == offsetUnset || start < p.OffStart {
		p.OffStart = start
	}
	if p.OffEnd == offsetUnset || end > p.OffEnd {
		p.OffEnd = end
	}
}

// resetWindow clears the optimization window, e.g. after a full flush.
func (p *PSH) resetWindow() {
	p.OffStart, p.OffEnd = offsetUnset, offsetUnset
}

// offsetUnset marks an OffStart/OffEnd window as empty.
const offsetUnset = -1

// LSH is the in-RAM representation of a Logical Sector Header (spec.md §3).
type LSH struct {
	DataStat LSHDataStat
	Brsi     Brsi

	CRCStatus CRCStatus
	CRC       [2]byte

	ECCStatus [2]ECCStatus
	ECCParity [2][]byte

	CRCSectorData  uint16
	ECCSectorData  [][]byte

	OffStart, OffEnd int
}

// NewLSH returns a blank LSH with the optimization window reset.
func NewLSH() *LSH {
	return &LSH{OffStart: offsetUnset, OffEnd: offsetUnset}
}

func (l *LSH) touch(start, end int) {
	if l.OffStart == offsetUnset || start < l.OffStart {
		l.OffStart = start
	}
	if l.OffEnd == offsetUnset || end > l.OffEnd {
		l.OffEnd = end
	}
}

func (l *LSH) resetWindow() {
	l.OffStart, l.OffEnd = offsetUnset, offsetUnset
}

// FormatRecord is the on-flash format-info record stored at psi=0, srsi=0
// (spec.md §3/§6).
type FormatRecord struct {
	Magic             [16]byte
	Version           uint32
	BytesPerSector    uint32
	NumLogBlocks      uint32
	NumWorkBlocks     uint16
	FailSafeEraseFlag uint16 // 0x0000 = enabled, per spec.md §6.
}

// FailSafeEraseEnabled decodes FailSafeEraseFlag per spec.md §6 ("0x0000 =
// enabled").
func (fr *FormatRecord) FailSafeEraseEnabled() bool {
	return fr.FailSafeEraseFlag == 0x0000
}

// FatalErrorRecord is the on-flash fatal-error record stored at psi=0,
// srsi=1 (spec.md §3/§6).
type FatalErrorRecord struct {
	IsWriteProtected bool
	HasFatalError    bool
	ErrorType        ErrorKind
	ErrorPSI         Psi
}

// SectorUsage is the per-PS usage classification surfaced by
// Instance.GetSectorUsage and the GET_SECTOR_USAGE ioctl (spec.md §6).
type SectorUsage int

const (
	// SectorNotUsed means the PS is free (and, ideally, blank).
	SectorNotUsed SectorUsage = iota
	// SectorInUse means the PS is a live Data Block or Work Block.
	SectorInUse
	// SectorAllocatedNotBlank means the PS is free but not yet erased
	// (the "non-blank free PS" state CleanOne reclaims).
	SectorAllocatedNotBlank
)

// DeviceInfo is returned by GET_DEVINFO (spec.md §6).
type DeviceInfo struct {
	BytesPerSector       uint32
	LogSectorSize        uint32
	LSectorsPerPSector    uint32
	NumPhySectors        uint32
	NumLogBlocks         uint32
	NumWorkBlocks        uint16
	NumDataBlocks        uint16
	FailSafeErase        bool
	CRCEnabled           bool
	ECCEnabled           bool
	NoRewrite            bool
	WriteProtected       bool
}

// Stats is a point-in-time snapshot of instance-wide counters, used by
// tests asserting the wear-leveling invariants and by the CLI's `stats`
// subcommand.
type Stats struct {
	NumFree        uint32
	NumData        uint32
	NumWork        uint32
	NumInvalid     uint32
	EraseCntMin    EraseCnt
	EraseCntMax    EraseCnt
	LiveWorkBlocks int
	LiveDataBlocks int
}
