package firehose

// Config is the Firehose session configuration (§3), process-wide for the
// life of a connected session.
type Config struct {
	ZLPAwareHost                  bool
	SkipStorageInit               bool
	SkipWrite                     bool
	MaxPayloadSizeToTargetInBytes int
	MaxXMLSizeInBytes             int
	SectorSizeInBytes             int
	MemoryName                    string
	MaxLUN                        int
	FastErase                     bool
}

// DefaultConfig returns the literal defaults named in §3. The invariant
// that MaxPayloadSizeToTargetInBytes is a multiple of SectorSizeInBytes
// holds for these defaults (1048576 / 4096 = 256).
func DefaultConfig() Config {
	return Config{
		ZLPAwareHost:                  true,
		SkipStorageInit:               false,
		SkipWrite:                     false,
		MaxPayloadSizeToTargetInBytes: 1048576,
		MaxXMLSizeInBytes:             4096,
		SectorSizeInBytes:             4096,
		MemoryName:                    "UFS",
		MaxLUN:                        6,
		FastErase:                     true,
	}
}

// MaxEraseSectorsPerCall is the 512 KiB-sector (2 GiB at 4 KiB sectors)
// chunking limit callers must respect for cmdErase (§4.6).
const MaxEraseSectorsPerCall = 512 * 1024
