// Package norftl implements the block-mapping core of a flash translation
// layer for raw NOR flash: wear-leveled, fail-safe-atomic, sector-mapping
// storage over a physical-media driver that only supports bit-clearing
// writes and whole-block erase.
//
// The package owns the logical-to-physical map, the free-map, the work-block
// and data-block caches, and the mount/format state machines. It does not
// own the physical-media driver, the CRC/ECC primitives, or filesystem-level
// dispatch — those are injected as the Phy, CRC, and ECC interfaces (with
// reference implementations provided for standalone use and testing).
package norftl
