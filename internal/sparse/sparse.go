// Package sparse decodes the Android sparse image container: a file header
// followed by a sequence of Raw/Fill/Skip/Crc32 chunks that together
// describe a (possibly much larger) flat disk image without storing its
// zeroed holes.
//
// The struct-over-byte-buffer decoding style mirrors
// egtool/internal/imxmbr/make.go's use of encoding/binary against a fixed
// on-disk layout, read in reverse (parse instead of build).
package sparse

import (
	"encoding/binary"
	"fmt"

	"github.com/edltools/qdl/internal/qerr"
)

const (
	magic           uint32 = 0xED26FF3A
	fileHeaderSize  uint16 = 28
	chunkHeaderSize uint16 = 12
)

// Chunk types.
const (
	ChunkRaw   uint16 = 0xCAC1
	ChunkFill  uint16 = 0xCAC2
	ChunkSkip  uint16 = 0xCAC3
	ChunkCrc32 uint16 = 0xCAC4
)

// FileHeader is the 28-byte sparse container header.
type FileHeader struct {
	Magic           uint32
	MajorVersion    uint16
	MinorVersion    uint16
	FileHeaderSize  uint16
	ChunkHeaderSize uint16
	BlockSize       uint32
	TotalBlocks     uint32
	TotalChunks     uint32
	ImageChecksum   uint32
}

// ChunkHeader is the 12-byte per-chunk header.
type ChunkHeader struct {
	ChunkType uint16
	Reserved1 uint16
	ChunkSize uint32 // in blocks
	TotalSize uint32 // including this header
}

// Chunk is one decoded chunk record: header plus its raw payload bytes
// (empty for Skip and Crc32).
type Chunk struct {
	Header  ChunkHeader
	Payload []byte
}

// Sparse is a parsed sparse image view over an in-memory blob. Parsing
// copies nothing; Chunks/Read slice directly into blob, so the owner must
// keep blob alive and must not mutate it while iterating.
type Sparse struct {
	Header FileHeader
	blob   []byte
}

// From attempts to parse blob as a sparse image. It returns (nil, nil) if
// the magic number doesn't match (not a sparse image — the caller should
// treat blob as a raw flashable image instead), and a *qerr.SparseError if
// the magic matches but the container is otherwise malformed.
func From(blob []byte) (*Sparse, error) {
	if len(blob) < int(fileHeaderSize) {
		return nil, nil
	}
	var h FileHeader
	if err := binary.Read(sliceReader{blob[:fileHeaderSize]}, binary.LittleEndian, &h); err != nil {
		return nil, &qerr.SparseError{Context: "file header", Err: err}
	}
	if h.Magic != magic {
		return nil, nil
	}
	if h.FileHeaderSize < fileHeaderSize {
		return nil, &qerr.SparseError{Context: fmt.Sprintf("file header size %d too small", h.FileHeaderSize)}
	}
	if h.ChunkHeaderSize < chunkHeaderSize {
		return nil, &qerr.SparseError{Context: fmt.Sprintf("chunk header size %d too small", h.ChunkHeaderSize)}
	}
	if h.BlockSize == 0 || h.BlockSize%4 != 0 {
		return nil, &qerr.SparseError{Context: fmt.Sprintf("invalid block size %d", h.BlockSize)}
	}
	return &Sparse{Header: h, blob: blob}, nil
}

// sliceReader adapts a byte slice to io.Reader without allocating a
// bytes.Reader, since binary.Read only needs a single contiguous Read.
type sliceReader struct{ b []byte }

func (r sliceReader) Read(p []byte) (int, error) {
	n := copy(p, r.b)
	return n, nil
}

// Chunks parses and returns every chunk header + payload in file order,
// validating that each chunk's TotalSize stays within the blob. It warns
// (via the returned trailing bool) if bytes remain after the last declared
// chunk.
func (s *Sparse) Chunks() ([]Chunk, bool, error) {
	off := int(s.Header.FileHeaderSize)
	chunks := make([]Chunk, 0, s.Header.TotalChunks)
	for i := uint32(0); i < s.Header.TotalChunks; i++ {
		if off+int(chunkHeaderSize) > len(s.blob) {
			return nil, false, &qerr.SparseError{Context: fmt.Sprintf("chunk %d header truncated", i)}
		}
		var ch ChunkHeader
		if err := binary.Read(sliceReader{s.blob[off : off+int(chunkHeaderSize)]}, binary.LittleEndian, &ch); err != nil {
			return nil, false, &qerr.SparseError{Context: fmt.Sprintf("chunk %d header", i), Err: err}
		}
		end := off + int(ch.TotalSize)
		if ch.TotalSize < uint32(s.Header.ChunkHeaderSize) || end > len(s.blob) || end < off {
			return nil, false, &qerr.SparseError{Context: fmt.Sprintf("chunk %d size %d exceeds blob", i, ch.TotalSize)}
		}
		payloadStart := off + int(s.Header.ChunkHeaderSize)
		payload := s.blob[payloadStart:end]
		switch ch.ChunkType {
		case ChunkRaw, ChunkFill, ChunkSkip, ChunkCrc32:
		default:
			return nil, false, &qerr.SparseError{Context: fmt.Sprintf("chunk %d unknown type %#x", i, ch.ChunkType)}
		}
		chunks = append(chunks, Chunk{Header: ch, Payload: payload})
		off = end
	}
	trailing := off < len(s.blob)
	return chunks, trailing, nil
}

// Piece is one emitted (offset, data|hole, size) record from Read. Hole is
// true when Data should be materialized as size zero bytes (a Skip chunk,
// or a Fill chunk whose 4-byte pattern is all zero).
type Piece struct {
	Offset int64
	Data   []byte // nil when Hole is true
	Size   int64
	Hole   bool
}

// Read decodes every chunk into the cumulative-offset (offset, data-or-hole,
// size) sequence consumed by the flasher: Raw chunks slice the backing
// blob directly, Fill chunks with a nonzero pattern are materialized by
// tiling the 4-byte pattern, Fill chunks with an all-zero pattern collapse
// into holes just like Skip, and Crc32 chunks are dropped (advisory only).
// Offsets are cumulative and every offset is block-aligned.
func (s *Sparse) Read() ([]Piece, error) {
	chunks, _, err := s.Chunks()
	if err != nil {
		return nil, err
	}
	blockSize := int64(s.Header.BlockSize)
	pieces := make([]Piece, 0, len(chunks))
	var offset int64
	for i, ch := range chunks {
		size := int64(ch.Header.ChunkSize) * blockSize
		switch ch.Header.ChunkType {
		case ChunkRaw:
			if int64(len(ch.Payload)) != size {
				return nil, &qerr.SparseError{Context: fmt.Sprintf("chunk %d raw payload size mismatch", i)}
			}
			pieces = append(pieces, Piece{Offset: offset, Data: ch.Payload, Size: size})
		case ChunkFill:
			if len(ch.Payload) != 4 {
				return nil, &qerr.SparseError{Context: fmt.Sprintf("chunk %d fill pattern must be 4 bytes", i)}
			}
			if ch.Payload[0] == 0 && ch.Payload[1] == 0 && ch.Payload[2] == 0 && ch.Payload[3] == 0 {
				pieces = append(pieces, Piece{Offset: offset, Size: size, Hole: true})
			} else {
				data := make([]byte, size)
				for o := int64(0); o < size; o += 4 {
					copy(data[o:], ch.Payload)
				}
				pieces = append(pieces, Piece{Offset: offset, Data: data, Size: size})
			}
		case ChunkSkip:
			pieces = append(pieces, Piece{Offset: offset, Size: size, Hole: true})
		case ChunkCrc32:
			continue
		}
		offset += size
	}
	return pieces, nil
}

// ExpandedSize is the total byte length the decoded image would occupy,
// i.e. TotalBlocks*BlockSize.
func (s *Sparse) ExpandedSize() int64 {
	return int64(s.Header.TotalBlocks) * int64(s.Header.BlockSize)
}
