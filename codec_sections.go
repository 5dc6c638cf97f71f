package norftl

// Section describes one flash-line-aligned sub-region of a no-rewrite PSH
// or LSH, per spec.md §3/§4.1. Each section is written at most once per
// erase cycle; sections are probed independently to derive the effective
// DataStat, since no-rewrite media cannot commit a single rolling status
// byte the way rewrite mode does.
type Section struct {
	Offset int
	Size   int
}

// alignUp rounds size up to the next 2^ldBytesPerLine boundary, per
// spec.md §4.1 ("Section sizes are computed from the offsets of their
// first/last logical members and rounded up to 2^ldBytesPerLine").
// Grounded on checkClusterHeapOffset's alignment-by-recomputed-offset
// pattern in structures.go.
func alignUp(size int, ldBytesPerLine uint8) int {
	line := 1 << ldBytesPerLine
	if line <= 1 {
		return size
	}
	return (size + line - 1) / line * line
}

// pshSections lays out the four PSH sections of spec.md §3: base
// (stat/cnt/lbi/erase-cnt + its CRC/ECC), work-indicator, data(valid)-
// indicator, and invalid-indicator, each independently flash-line-aligned.
func (c *Codec) pshSections() (base, work, valid, invalid Section) {
	baseSize := pshCoreSize
	if c.enableCRC {
		baseSize++ // a single CRC8 byte suffices per section in no-rewrite mode
	}
	if c.enableECC {
		baseSize += c.pshHeaderParitySize()
	}
	base = Section{Offset: 0, Size: alignUp(baseSize, c.ldBytesPerLine)}

	indSize := 1 // the indicator byte itself
	if c.enableCRC {
		indSize += 1 /*redundant lbi+datacnt, packed*/ + 2 + 1
	}
	if c.enableECC {
		indSize += c.pshHeaderParitySize()
	}
	indAligned := alignUp(indSize, c.ldBytesPerLine)

	work = Section{Offset: base.Offset + base.Size, Size: indAligned}
	valid = Section{Offset: work.Offset + work.Size, Size: indAligned}

	invSize := 1
	if c.enableECC {
		invSize += c.pshHeaderParitySize()
	}
	invalid = Section{Offset: valid.Offset + valid.Size, Size: alignUp(invSize, c.ldBytesPerLine)}

	return base, work, valid, invalid
}

// lshSections lays out the three LSH sections of spec.md §3: base, valid-
// indicator, invalid-indicator.
func (c *Codec) lshSections() (base, valid, invalid Section) {
	baseSize := lshCoreSize
	if c.enableCRC {
		baseSize += 1 + 2 // header crc8 + payload crc16
	}
	if c.enableECC {
		baseSize += c.lshHeaderParitySize()
	}
	base = Section{Offset: 0, Size: alignUp(baseSize, c.ldBytesPerLine)}

	indSize := 1
	if c.enableECC {
		indSize += c.lshHeaderParitySize()
	}
	indAligned := alignUp(indSize, c.ldBytesPerLine)

	valid = Section{Offset: base.Offset + base.Size, Size: indAligned}
	invalid = Section{Offset: valid.Offset + valid.Size, Size: indAligned}

	return base, valid, invalid
}

// PSHSizeNoRewrite returns the total no-rewrite PSH size: the sum of all
// four sections.
func (c *Codec) PSHSizeNoRewrite() int {
	base, work, valid, invalid := c.pshSections()
	return base.Size + work.Size + valid.Size + invalid.Size
}

// LSHSizeNoRewrite returns the total no-rewrite LSH size: the sum of all
// three sections.
func (c *Codec) LSHSizeNoRewrite() int {
	base, valid, invalid := c.lshSections()
	return base.Size + valid.Size + invalid.Size
}

// sectionIsSet probes a section's indicator byte using the reversed logic
// of spec.md §3/§4.1: 0x00 means set (the section was written, clearing the
// indicator bit from its erased 0xFF state).
func sectionIsSet(buf []byte, s Section) bool {
	if s.Offset >= len(buf) {
		return false
	}
	return buf[s.Offset] == 0x00
}

// ProbePSHDataStat derives the effective DataStat of a no-rewrite PSH by
// probing its sections in invalid > valid > work > empty priority, the
// order in which an interrupted multi-section commit leaves the structure
// self-consistent: a torn write can only have completed a prefix of the
// section writes for one transition, so the most "forward" section actually
// observed as set wins.
func (c *Codec) ProbePSHDataStat(buf []byte) PSHDataStat {
	_, work, valid, invalid := c.pshSections()

	switch {
	case sectionIsSet(buf, invalid):
		return PSHInvalid
	case sectionIsSet(buf, valid):
		return PSHValid
	case sectionIsSet(buf, work):
		return PSHWork
	default:
		return PSHEmpty
	}
}

// ProbeLSHDataStat derives the effective DataStat of a no-rewrite LSH by
// probing its sections, mirroring ProbePSHDataStat.
func (c *Codec) ProbeLSHDataStat(buf []byte) LSHDataStat {
	_, valid, invalid := c.lshSections()

	switch {
	case sectionIsSet(buf, invalid):
		return LSHInvalid
	case sectionIsSet(buf, valid):
		return LSHValid
	default:
		return LSHEmpty
	}
}
