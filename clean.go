package norftl

import (
	"github.com/dsoprea/go-logging"
)

// cleaner implements spec.md §4.9's background reclamation: erasing PSs
// left PSHInvalid (superseded Data/Work Blocks) so they rejoin the free
// pool. It also reports which PSs are queued (isQueuedInvalid), which
// trimStats uses for GetSectorUsage.
//
// Grounded on tree.go's iterative-until-exhausted traversal shape (walk
// until nothing more to visit, rather than a fixed number of steps) for
// Clean's repeat-CleanOne-until-quiescent loop.
type cleaner struct {
	phy   Phy
	codec *Codec
	free  *FreeMap

	invalid []Psi // PSs currently PSHInvalid, pending erase
}

// newCleaner seeds the invalid queue from a mount/format result.
func newCleaner(phy Phy, codec *Codec, free *FreeMap, invalid []Psi) *cleaner {
	return &cleaner{phy: phy, codec: codec, free: free, invalid: append([]Psi(nil), invalid...)}
}

// QueueInvalid records psi as newly PSHInvalid, to be reclaimed by a future
// CleanOne/Clean.
func (c *cleaner) QueueInvalid(psi Psi) {
	c.invalid = append(c.invalid, psi)
}

// CleanOne erases exactly one queued invalid PS and marks it free, per
// spec.md §4.9. It returns ok==false when the queue is empty (nothing to
// clean), matching the CLEAN_ONE ioctl's "did work happen" return.
func (c *cleaner) CleanOne() (bool, error) {
	if len(c.invalid) == 0 {
		return false, nil
	}

	n := len(c.invalid)
	psi := c.invalid[n-1]
	c.invalid = c.invalid[:n-1]

	if err := c.phy.EraseSector(psi); err != nil {
		return false, &FatalError{Kind: EraseError, ErrorPSI: psi, cause: err}
	}

	c.free.MarkFree(psi)
	return true, nil
}

// Clean repeatedly calls CleanOne until the invalid queue is exhausted,
// returning the number of PSs reclaimed.
func (c *cleaner) Clean() (int, error) {
	count := 0
	for {
		did, err := c.CleanOne()
		if err != nil {
			return count, err
		}
		if !did {
			return count, nil
		}
		count++
	}
}

// GetCleanCnt reports how many PSs are currently queued for reclamation.
func (c *cleaner) GetCleanCnt() int {
	return len(c.invalid)
}

// isQueuedInvalid reports whether psi is currently queued for reclamation,
// used by trim.go's GetSectorUsage.
func (c *cleaner) isQueuedInvalid(psi Psi) bool {
	for _, p := range c.invalid {
		if p == psi {
			return true
		}
	}
	return false
}
