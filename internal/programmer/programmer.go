// Package programmer loads the Sahara loader image handed to Connect via
// --programmer (§5). It decodes Intel HEX files through
// github.com/marcinbor85/gohex the same way egtool/internal/hex uses that
// library to go the other direction (ELF sections -> gohex.Memory ->
// DumpIntelHex); here a .hex file is parsed back into a flat byte image
// with ParseIntelHex + ToBinary, while a raw binary file is used as-is.
package programmer

import (
	"os"
	"strings"

	"github.com/marcinbor85/gohex"

	"github.com/edltools/qdl/internal/qerr"
)

// Load reads the programmer image at path. Files named "*.hex" are
// decoded as Intel HEX; anything else is treated as a flat binary image
// (§5).
func Load(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &qerr.ValidationError{Field: "programmer", Context: "read " + path + ": " + err.Error()}
	}
	if !strings.EqualFold(fileExt(path), ".hex") {
		return raw, nil
	}
	return decodeIntelHex(raw)
}

func fileExt(path string) string {
	i := strings.LastIndexByte(path, '.')
	if i < 0 {
		return ""
	}
	return path[i:]
}

func decodeIntelHex(raw []byte) ([]byte, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(strings.NewReader(string(raw))); err != nil {
		return nil, &qerr.ValidationError{Field: "programmer", Context: "parse intel hex: " + err.Error()}
	}

	var lo, hi uint32
	first := true
	for _, seg := range mem.GetDataSegments() {
		segLo := seg.Address
		segHi := seg.Address + uint32(len(seg.Data))
		if first {
			lo, hi = segLo, segHi
			first = false
			continue
		}
		if segLo < lo {
			lo = segLo
		}
		if segHi > hi {
			hi = segHi
		}
	}
	if first {
		return nil, &qerr.ValidationError{Field: "programmer", Context: "intel hex file has no data segments"}
	}

	bin := mem.ToBinary(lo, hi-lo, 0xFF)
	return bin, nil
}
