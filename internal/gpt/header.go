// Package gpt implements the GUID Partition Table engine: header/entry
// parsing with CRC32 validation, primary<->backup reconciliation, partition
// lookup, A/B slot selection, and emission of consistent primary+backup
// tables.
//
// The "serialize into a fixed-layout byte buffer with encoding/binary"
// shape follows egtool/internal/imxmbr/make.go, generalized from i.MX's
// boot MBR to the UEFI GPT header + partition entry array.
package gpt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/edltools/qdl/internal/qerr"
)

const (
	Signature      = "EFI PART"
	Revision       = 0x00010000
	MinHeaderSize  = 92
	headerCoreSize = 92 // bytes of Header actually present on the wire before sector padding
)

// Header is the parsed, little-endian GPT header (§3). HeaderSize may
// exceed the sector boundary's worth of meaningful fields; bytes between
// headerCoreSize and HeaderSize are reserved/zero padding up to the sector.
type Header struct {
	HeaderSize          uint32
	CurrentLba          uint64
	AlternateLba        uint64
	FirstUsableLba      uint64
	LastUsableLba       uint64
	DiskGUID            GUID
	PartEntriesStartLba uint64
	NumPartEntries      uint32
	PartEntrySize       uint32
	PartEntriesCrc32    uint32
	HeaderCrc32         uint32
}

// wireHeader is the exact 92-byte on-disk layout, used only for
// marshal/unmarshal; Header above is the friendlier parsed form.
type wireHeader struct {
	Signature           [8]byte
	Revision            uint32
	HeaderSize          uint32
	HeaderCrc32         uint32
	Reserved            uint32
	CurrentLba          uint64
	AlternateLba        uint64
	FirstUsableLba      uint64
	LastUsableLba       uint64
	DiskGUID            GUID
	PartEntriesStartLba uint64
	NumPartEntries      uint32
	PartEntrySize       uint32
	PartEntriesCrc32    uint32
}

// ParseStatus reports whether a CRC32 phase matched, without throwing, per
// spec §4.4 ("Return a status {mismatchCrc32: bool} for each phase").
type ParseStatus struct {
	MismatchCrc32 bool
}

// ParseHeader parses sector (exactly one sector, sectorSize bytes) as a GPT
// header. It rejects on signature or revision mismatch. It does not know
// which LBA the sector came from, so a CurrentLba that differs from it is
// not rejected here; the caller (the orchestrator's GetGPT) logs it as a
// warning.
func ParseHeader(sector []byte, sectorSize uint32) (Header, ParseStatus, error) {
	var st ParseStatus
	if len(sector) < headerCoreSize {
		return Header{}, st, &qerr.GPTError{Context: "header sector truncated"}
	}
	var w wireHeader
	if err := binary.Read(bytes.NewReader(sector[:headerCoreSize]), binary.LittleEndian, &w); err != nil {
		return Header{}, st, &qerr.GPTError{Context: "decode header", Err: err}
	}
	if string(w.Signature[:]) != Signature {
		return Header{}, st, &qerr.GPTError{Context: fmt.Sprintf("bad signature %q", w.Signature)}
	}
	if w.Revision != Revision {
		return Header{}, st, &qerr.GPTError{Context: fmt.Sprintf("bad revision %#x", w.Revision)}
	}
	if w.HeaderSize < MinHeaderSize || w.HeaderSize > sectorSize {
		return Header{}, st, &qerr.GPTError{Context: fmt.Sprintf("bad header size %d", w.HeaderSize)}
	}

	// CRC32 is computed with the CRC field itself zeroed, over exactly
	// HeaderSize bytes.
	checkBuf := make([]byte, w.HeaderSize)
	copy(checkBuf, sector[:min(int(w.HeaderSize), len(sector))])
	zeroCrcField(checkBuf)
	got := crc32.ChecksumIEEE(checkBuf)
	st.MismatchCrc32 = got != w.HeaderCrc32

	h := Header{
		HeaderSize:          w.HeaderSize,
		CurrentLba:          w.CurrentLba,
		AlternateLba:        w.AlternateLba,
		FirstUsableLba:      w.FirstUsableLba,
		LastUsableLba:       w.LastUsableLba,
		DiskGUID:            w.DiskGUID,
		PartEntriesStartLba: w.PartEntriesStartLba,
		NumPartEntries:      w.NumPartEntries,
		PartEntrySize:       w.PartEntrySize,
		PartEntriesCrc32:    w.PartEntriesCrc32,
		HeaderCrc32:         w.HeaderCrc32,
	}
	return h, st, nil
}

// zeroCrcField zeros the 4-byte HeaderCrc32 field (offset 16) of a raw
// wireHeader-shaped buffer.
func zeroCrcField(buf []byte) {
	for i := 16; i < 20 && i < len(buf); i++ {
		buf[i] = 0
	}
}

// serialize renders h (with the given entry-array CRC32 already computed,
// see BuildHeader) into a sectorSize-byte sector, zero-padded past
// headerCoreSize.
func (h Header) serialize(sectorSize uint32) []byte {
	w := wireHeader{
		Revision:            Revision,
		HeaderSize:          h.HeaderSize,
		HeaderCrc32:         0,
		CurrentLba:          h.CurrentLba,
		AlternateLba:        h.AlternateLba,
		FirstUsableLba:      h.FirstUsableLba,
		LastUsableLba:       h.LastUsableLba,
		DiskGUID:            h.DiskGUID,
		PartEntriesStartLba: h.PartEntriesStartLba,
		NumPartEntries:      h.NumPartEntries,
		PartEntrySize:       h.PartEntrySize,
		PartEntriesCrc32:    h.PartEntriesCrc32,
	}
	copy(w.Signature[:], Signature)

	buf := bytes.NewBuffer(make([]byte, 0, sectorSize))
	binary.Write(buf, binary.LittleEndian, &w)
	out := buf.Bytes()
	out = out[:cap(out)] // pad to full sector with zeros
	return out
}
