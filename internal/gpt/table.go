package gpt

import (
	"hash/crc32"
	"strings"

	"github.com/edltools/qdl/internal/qerr"
)

// A/B attribute bits live in the high 16 bits of Attributes (bit offset 48
// upward): SLOT_ACTIVE is 1<<2, BOOT_SUCCESSFUL is 1<<6 (absolute bit
// 48+6=54), UNBOOTABLE is 1<<7, and TRIES_REMAINING occupies bits 8..11,
// each relative to the bit-48 base (§3).
const (
	abBitBase      = 48
	slotActiveBit  = abBitBase + 2
	bootSuccessBit = abBitBase + 6
	unbootableBit  = abBitBase + 7
	triesShift     = abBitBase + 8
	triesMask      = 0xF
)

// ABFlags is the decoded view of a partition entry's A/B attribute bits.
type ABFlags struct {
	Active     bool
	Successful bool
	Unbootable bool
	Tries      uint8
}

// DecodeAB extracts the A/B flags from a raw Attributes field.
func DecodeAB(attrs uint64) ABFlags {
	return ABFlags{
		Active:     attrs&(1<<slotActiveBit) != 0,
		Successful: attrs&(1<<bootSuccessBit) != 0,
		Unbootable: attrs&(1<<unbootableBit) != 0,
		Tries:      uint8((attrs >> triesShift) & triesMask),
	}
}

// EncodeAB clears the existing A/B bits in attrs and sets f's bits in their
// place, leaving every other bit untouched.
func EncodeAB(attrs uint64, f ABFlags) uint64 {
	const clearMask = (uint64(1) << slotActiveBit) |
		(uint64(1) << bootSuccessBit) |
		(uint64(1) << unbootableBit) |
		(uint64(triesMask) << triesShift)
	attrs &^= clearMask
	if f.Active {
		attrs |= 1 << slotActiveBit
	}
	if f.Successful {
		attrs |= 1 << bootSuccessBit
	}
	if f.Unbootable {
		attrs |= 1 << unbootableBit
	}
	attrs |= uint64(f.Tries&triesMask) << triesShift
	return attrs
}

// Table is the combined header + partition-entry-array view the
// orchestrator works with: a short-lived value object, per §3 ("GPT
// objects are short-lived value objects created per read; they do not
// reference the transport").
type Table struct {
	Header     Header
	Entries    []Entry
	SectorSize uint32
}

// Lookup returns the first present entry named name, and whether it was
// found.
func (t *Table) Lookup(name string) (Entry, bool) {
	for _, e := range t.Entries {
		if e.Present() && e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// entriesSectors returns how many sectors the entry array occupies.
func entriesSectors(numEntries, entrySize, sectorSize uint32) uint64 {
	total := uint64(numEntries) * uint64(entrySize)
	return (total + uint64(sectorSize) - 1) / uint64(sectorSize)
}

// AsAlternate returns a fresh Header for t with CurrentLba/AlternateLba
// swapped and PartEntriesStartLba recomputed to sit just before
// AlternateLba, per §4.4. The partition entry array itself is unchanged —
// callers clone t.Entries verbatim alongside the returned header.
func (t *Table) AsAlternate() Header {
	h := t.Header
	h.CurrentLba, h.AlternateLba = h.AlternateLba, h.CurrentLba
	sectors := entriesSectors(h.NumPartEntries, h.PartEntrySize, t.SectorSize)
	h.PartEntriesStartLba = h.CurrentLba - sectors
	return h
}

// BuildHeader serializes h together with either the provided entries (if
// non-nil) or t.Entries, computing PartEntriesCrc32 and HeaderCrc32 in that
// order. It fails with *qerr.GPTError if either CRC32 ends up zero (an
// all-zero CRC would make corruption undetectable).
func (t *Table) BuildHeader(h Header, entries []Entry) ([]byte, error) {
	if entries == nil {
		entries = t.Entries
	}
	entryBytes := BuildEntries(entries, h.PartEntrySize)
	h.PartEntriesCrc32 = crc32.ChecksumIEEE(entryBytes)
	if h.PartEntriesCrc32 == 0 {
		return nil, &qerr.GPTError{Context: "entry array CRC32 computed as zero"}
	}

	sector := h.serialize(t.SectorSize)
	checkBuf := make([]byte, h.HeaderSize)
	copy(checkBuf, sector[:h.HeaderSize])
	zeroCrcField(checkBuf)
	headerCrc := crc32.ChecksumIEEE(checkBuf)
	if headerCrc == 0 {
		return nil, &qerr.GPTError{Context: "header CRC32 computed as zero"}
	}
	h.HeaderCrc32 = headerCrc

	// Patch the CRC32 field (offset 16) into the already-serialized sector.
	out := make([]byte, len(sector))
	copy(out, sector)
	out[16] = byte(headerCrc)
	out[17] = byte(headerCrc >> 8)
	out[18] = byte(headerCrc >> 16)
	out[19] = byte(headerCrc >> 24)
	return out, nil
}

// slotSuffix returns the trailing "a"/"b" of a present, slotted partition
// name, and whether name is in fact slotted.
func slotSuffix(name string) (string, bool) {
	if strings.HasSuffix(name, "_a") {
		return "a", true
	}
	if strings.HasSuffix(name, "_b") {
		return "b", true
	}
	return "", false
}

// GetActiveSlot scans present entries whose name ends in _a or _b and
// returns the suffix of the first whose Active bit is set. Falls back to
// "a" if none are found (documented in §4.4).
func (t *Table) GetActiveSlot() string {
	for _, e := range t.Entries {
		if !e.Present() {
			continue
		}
		suffix, ok := slotSuffix(e.Name)
		if !ok {
			continue
		}
		if DecodeAB(e.Attributes).Active {
			return suffix
		}
	}
	return "a"
}

// SetActiveSlot mutates t.Entries in place (§4.4): for every present entry
// whose name ends in _a/_b, the A/B bits are recomputed. boot_a/boot_b
// drive the actual slot choice (successful mirrors active); every other
// slotted partition is marked as an inert, unbootable mirror.
func (t *Table) SetActiveSlot(slot string) error {
	if slot != "a" && slot != "b" {
		return &qerr.ValidationError{Field: "slot", Context: "must be \"a\" or \"b\", got " + slot}
	}
	for i := range t.Entries {
		e := &t.Entries[i]
		if !e.Present() {
			continue
		}
		suffix, ok := slotSuffix(e.Name)
		if !ok {
			continue
		}
		active := suffix == slot
		var f ABFlags
		base := strings.TrimSuffix(strings.TrimSuffix(e.Name, "_a"), "_b")
		if base == "boot" {
			f = ABFlags{Active: active, Successful: active, Unbootable: false, Tries: 0}
		} else {
			f = ABFlags{Active: active, Successful: false, Unbootable: true, Tries: 0}
		}
		e.Attributes = EncodeAB(e.Attributes, f)
	}
	return nil
}
