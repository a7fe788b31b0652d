package gpt

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"unicode/utf16"

	"github.com/edltools/qdl/internal/qerr"
)

// NameCodeUnits is the fixed size of a partition entry's UTF-16LE name
// field, in code units, including the terminating NUL.
const NameCodeUnits = 36

// Entry is one parsed GPT partition entry (§3).
type Entry struct {
	TypeGUID    GUID
	UniqueGUID  GUID
	StartingLba uint64
	EndingLba   uint64
	Attributes  uint64
	Name        string
}

// wireEntry is the fixed 128-byte on-disk partition entry layout.
type wireEntry struct {
	TypeGUID    GUID
	UniqueGUID  GUID
	StartingLba uint64
	EndingLba   uint64
	Attributes  uint64
	Name        [NameCodeUnits]uint16
}

// Present reports whether e describes a real partition (type GUID not
// all-zero).
func (e Entry) Present() bool { return e.TypeGUID.Present() }

// Sectors returns the inclusive sector count end-start+1.
func (e Entry) Sectors() uint64 {
	if e.EndingLba < e.StartingLba {
		return 0
	}
	return e.EndingLba - e.StartingLba + 1
}

func decodeName(units [NameCodeUnits]uint16) string {
	n := 0
	for n < len(units) && units[n] != 0 {
		n++
	}
	return string(utf16.Decode(units[:n]))
}

func encodeName(name string) [NameCodeUnits]uint16 {
	var units [NameCodeUnits]uint16
	encoded := utf16.Encode([]rune(name))
	copy(units[:NameCodeUnits-1], encoded)
	return units
}

// ParseEntries decodes numEntries entries of entrySize bytes each from buf
// (exactly numEntries*entrySize bytes, as read from PartEntriesStartLba),
// and reports whether the entry array's CRC32 matches expectedCrc32.
func ParseEntries(buf []byte, numEntries, entrySize uint32, expectedCrc32 uint32) ([]Entry, ParseStatus, error) {
	var st ParseStatus
	want := int(numEntries) * int(entrySize)
	if len(buf) < want {
		return nil, st, &qerr.GPTError{Context: "entry array truncated"}
	}
	raw := buf[:want]
	st.MismatchCrc32 = crc32.ChecksumIEEE(raw) != expectedCrc32

	entries := make([]Entry, numEntries)
	for i := uint32(0); i < numEntries; i++ {
		chunk := raw[int(i)*int(entrySize) : int(i)*int(entrySize)+int(entrySize)]
		var w wireEntry
		wireSize := binary.Size(w)
		if len(chunk) < wireSize {
			return nil, st, &qerr.GPTError{Context: "entry truncated"}
		}
		if err := binary.Read(bytes.NewReader(chunk[:wireSize]), binary.LittleEndian, &w); err != nil {
			return nil, st, &qerr.GPTError{Context: "decode entry", Err: err}
		}
		entries[i] = Entry{
			TypeGUID:    w.TypeGUID,
			UniqueGUID:  w.UniqueGUID,
			StartingLba: w.StartingLba,
			EndingLba:   w.EndingLba,
			Attributes:  w.Attributes,
			Name:        decodeName(w.Name),
		}
	}
	return entries, st, nil
}

// BuildEntries serializes entries into an entrySize-per-entry byte array.
func BuildEntries(entries []Entry, entrySize uint32) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, int(entrySize)*len(entries)))
	for _, e := range entries {
		w := wireEntry{
			TypeGUID:    e.TypeGUID,
			UniqueGUID:  e.UniqueGUID,
			StartingLba: e.StartingLba,
			EndingLba:   e.EndingLba,
			Attributes:  e.Attributes,
			Name:        encodeName(e.Name),
		}
		start := buf.Len()
		binary.Write(buf, binary.LittleEndian, &w)
		if pad := int(entrySize) - (buf.Len() - start); pad > 0 {
			buf.Write(make([]byte, pad))
		}
	}
	return buf.Bytes()
}
