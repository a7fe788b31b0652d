package gpt

import "fmt"

// GUID is a raw 16-byte GUID as stored on disk (mixed-endian per the GPT
// spec: the first three fields are little-endian, the last two are
// big-endian byte runs). This is hand-rolled rather than delegated to
// github.com/google/uuid: that library always formats RFC 4122 byte order,
// but GPT's on-disk convention is Microsoft's mixed-endian one, so no
// off-the-shelf GUID library in the example corpus models it — see
// DESIGN.md.
type GUID [16]byte

// Zero is the type GUID that marks a partition entry as absent.
var Zero GUID

// Present reports whether g is not the all-zero type GUID.
func (g GUID) Present() bool { return g != Zero }

// String renders the canonical xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx form.
func (g GUID) String() string {
	return fmt.Sprintf(
		"%02x%02x%02x%02x-%02x%02x-%02x%02x-%02x%02x-%02x%02x%02x%02x%02x%02x",
		g[3], g[2], g[1], g[0],
		g[5], g[4],
		g[7], g[6],
		g[8], g[9],
		g[10], g[11], g[12], g[13], g[14], g[15],
	)
}
