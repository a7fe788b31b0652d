// Package firehose implements the XML-framed Firehose block-I/O protocol
// (§4.6): configure/read/program/erase/power, rawmode payload streaming,
// flow control via zero-length packets, log accumulation, and
// device-message deduplication.
//
// The Conn/Error shape again follows egtool/internal/dfu and
// egtool/internal/picoboot: a small struct wrapping the claimed USB
// endpoints, a handful of command methods, errors wrapped with context via
// the shared qerr taxonomy instead of a single per-package Error type,
// since §7 requires one taxonomy shared across Sahara and Firehose.
package firehose

import (
	"time"

	"github.com/edltools/qdl/internal/qerr"
	"github.com/edltools/qdl/internal/qlog"
	"github.com/edltools/qdl/internal/usbio"
	"github.com/edltools/qdl/internal/xmlproto"
)

const (
	waitDataPollTimeout = 150 * time.Millisecond
	waitDataRetries     = 3
	configureWriteBudget = 1 * time.Second
	rawmodeReadBudget    = 2 * time.Second
	sparseChunkWriteBudget = 5 * time.Second
)

// Conn drives the Firehose protocol over a usbio.Transport.
type Conn struct {
	t      usbio.Transport
	cfg    Config
	LUNs   []int
	dedup  dedup
}

// New wraps t with a Firehose session using cfg.
func New(t usbio.Transport, cfg Config) *Conn {
	return &Conn{t: t, cfg: cfg}
}

// Config returns the session's active configuration.
func (c *Conn) Config() Config { return c.cfg }

// Response is the parsed result of one command round-trip (§4.6).
type Response struct {
	OK      bool
	Attrs   map[string]string
	Log     []string
	RawMode bool
}

// waitForData accumulates bulk reads (each capped at waitDataPollTimeout)
// until a "<response" fragment appears or the retry budget of empty reads
// is exhausted (§4.6).
func (c *Conn) waitForData(retries int) ([]byte, error) {
	var acc []byte
	empties := 0
	for {
		buf, err := c.t.ReadTimeout(0, waitDataPollTimeout)
		if err != nil {
			empties++
			if empties >= retries {
				break
			}
			continue
		}
		if len(buf) == 0 {
			empties++
			if empties >= retries {
				break
			}
			continue
		}
		acc = append(acc, buf...)
		empties = 0
		if xmlproto.ContainsBytes("<response", acc) {
			break
		}
	}
	return acc, nil
}

// xmlSend writes one XML command document and classifies the reply (§4.6).
func (c *Conn) xmlSend(tag xmlproto.Tag, wait bool) (Response, error) {
	doc := xmlproto.Build(tag)
	if len(doc) > c.cfg.MaxXMLSizeInBytes {
		return Response{}, &qerr.ProtocolError{Protocol: "firehose", Context: "request exceeds MaxXMLSizeInBytes"}
	}
	if err := c.t.WriteTimeout(doc, wait, configureWriteBudget); err != nil {
		return Response{}, &qerr.ProtocolError{Protocol: "firehose", Context: "write " + tag.Name, Err: err}
	}
	buf, err := c.waitForData(waitDataRetries)
	if err != nil {
		return Response{}, &qerr.ProtocolError{Protocol: "firehose", Context: "await response to " + tag.Name, Err: err}
	}

	attrs := xmlproto.GetResponse(buf)
	value, hasValue := attrs["value"]
	ok := !hasValue || value == "ACK" || value == "true"
	rawmode := attrs["rawmode"] == "true"

	logLines := xmlproto.GetLog(buf)
	for _, l := range logLines {
		c.dedup.feed(l)
	}
	// feed already flushes the pending line once it sees a different one
	// (dedup.go); flushing again here would force every message to print
	// standalone and defeat the repeated-line coalescing entirely, since
	// every command round-trip goes through xmlSend.

	return Response{OK: ok, Attrs: attrs, Log: logLines, RawMode: rawmode}, nil
}

// Configure issues <configure .../>, reading twice if the first reply only
// echoes logs without the MemoryName attribute, and asserts the storage
// handler actually ran (§4.6).
func (c *Conn) Configure() error {
	tag := xmlproto.Tag{Name: "configure", Attrs: []xmlproto.Attr{
		{"MemoryName", c.cfg.MemoryName},
		{"ZLPAwareHost", c.cfg.ZLPAwareHost},
		{"SkipStorageInit", c.cfg.SkipStorageInit},
		{"SkipWrite", c.cfg.SkipWrite},
		{"MaxPayloadSizeToTargetInBytes", c.cfg.MaxPayloadSizeToTargetInBytes},
		{"MaxXMLSizeInBytes", c.cfg.MaxXMLSizeInBytes},
	}}
	resp, err := c.xmlSend(tag, false)
	if err != nil {
		return err
	}
	if _, has := resp.Attrs["MemoryName"]; !has {
		buf, err := c.waitForData(waitDataRetries)
		if err != nil {
			return &qerr.ProtocolError{Protocol: "firehose", Context: "await second configure reply", Err: err}
		}
		attrs := xmlproto.GetResponse(buf)
		value, hasValue := attrs["value"]
		resp2 := Response{OK: !hasValue || value == "ACK" || value == "true", Attrs: attrs, Log: xmlproto.GetLog(buf), RawMode: attrs["rawmode"] == "true"}
		for _, l := range resp2.Log {
			c.dedup.feed(l)
		}
		resp = mergeResponses(resp, resp2)
	}
	if !resp.OK {
		return &qerr.ProtocolError{Protocol: "firehose", Context: "configure NAK"}
	}
	if !containsAny(resp.Log, "Calling handler for configure") ||
		!containsAny(resp.Log, "Storage type set to value UFS") {
		return &qerr.ProtocolError{Protocol: "firehose", Context: "configure log assertions failed"}
	}
	c.LUNs = make([]int, c.cfg.MaxLUN)
	for i := range c.LUNs {
		c.LUNs[i] = i
	}
	return nil
}

func mergeResponses(a, b Response) Response {
	out := Response{OK: a.OK || b.OK, RawMode: a.RawMode || b.RawMode}
	out.Attrs = map[string]string{}
	for k, v := range a.Attrs {
		out.Attrs[k] = v
	}
	for k, v := range b.Attrs {
		out.Attrs[k] = v
	}
	out.Log = append(append([]string{}, a.Log...), b.Log...)
	return out
}

func containsAny(lines []string, substr string) bool {
	for _, l := range lines {
		if xmlproto.ContainsBytes(substr, []byte(l)) {
			return true
		}
	}
	return false
}

// CmdReadBuffer reads numSectors sectors starting at startSector on lun
// (§4.6).
func (c *Conn) CmdReadBuffer(lun, startSector, numSectors int) ([]byte, error) {
	tag := xmlproto.Tag{Name: "read", Attrs: []xmlproto.Attr{
		{"SECTOR_SIZE_IN_BYTES", c.cfg.SectorSizeInBytes},
		{"num_partition_sectors", numSectors},
		{"physical_partition_number", lun},
		{"start_sector", startSector},
	}}
	resp, err := c.xmlSend(tag, true)
	if err != nil {
		return nil, err
	}
	if !resp.OK || !resp.RawMode {
		return nil, &qerr.ProtocolError{Protocol: "firehose", Context: "read: expected ACK rawmode"}
	}
	want := numSectors * c.cfg.SectorSizeInBytes
	data, err := c.t.ReadTimeout(want, rawmodeReadBudget)
	if err != nil {
		return nil, &qerr.ProtocolError{Protocol: "firehose", Context: "read payload", Err: err}
	}
	final, err := c.waitForData(waitDataRetries)
	if err != nil {
		return nil, err
	}
	if attrs := xmlproto.GetResponse(final); attrs["value"] != "ACK" && attrs["value"] != "true" {
		return nil, &qerr.ProtocolError{Protocol: "firehose", Context: "read: missing final ACK"}
	}
	return data, nil
}

// ProgressFunc reports bytes written so far; total is the final call.
type ProgressFunc func(bytesWritten int64)

// CmdProgram streams blob to lun at startSector (§4.6), padding the final
// chunk to the next sector boundary and emitting a ZLP flush after every
// chunk write.
func (c *Conn) CmdProgram(lun, startSector int, blob []byte, onProgress ProgressFunc) (bool, error) {
	sectorSize := c.cfg.SectorSizeInBytes
	numSectors := (len(blob) + sectorSize - 1) / sectorSize
	tag := xmlproto.Tag{Name: "program", Attrs: []xmlproto.Attr{
		{"SECTOR_SIZE_IN_BYTES", sectorSize},
		{"num_partition_sectors", numSectors},
		{"physical_partition_number", lun},
		{"start_sector", startSector},
	}}
	resp, err := c.xmlSend(tag, true)
	if err != nil {
		return false, err
	}
	if !resp.OK || !resp.RawMode {
		return false, &qerr.ProtocolError{Protocol: "firehose", Context: "program: expected ACK rawmode"}
	}

	total := int64(numSectors) * int64(sectorSize)
	var written int64
	chunkSize := c.cfg.MaxPayloadSizeToTargetInBytes
	chunks := 0
	for off := 0; off < len(blob) || written < total; off += chunkSize {
		end := off + chunkSize
		if end > len(blob) {
			end = len(blob)
		}
		var chunk []byte
		if off < len(blob) {
			chunk = blob[off:end]
		}
		remaining := total - written
		target := int64(chunkSize)
		if remaining < target {
			target = remaining
		}
		if int64(len(chunk)) < target {
			padded := make([]byte, target)
			copy(padded, chunk)
			chunk = padded
		}
		if len(chunk) == 0 {
			break
		}
		if err := c.t.WriteTimeout(chunk, true, sparseChunkWriteBudget); err != nil {
			return false, &qerr.ProtocolError{Protocol: "firehose", Context: "program payload chunk", Err: err}
		}
		if err := c.t.WriteZLP(); err != nil {
			return false, &qerr.ProtocolError{Protocol: "firehose", Context: "program ZLP", Err: err}
		}
		written += int64(len(chunk))
		chunks++
		if onProgress != nil && chunks%10 == 0 {
			onProgress(written)
		}
		if off+chunkSize >= len(blob) && written >= total {
			break
		}
	}

	final, err := c.waitForData(waitDataRetries)
	if err != nil {
		return false, err
	}
	attrs := xmlproto.GetResponse(final)
	ok := attrs["value"] == "ACK" || attrs["value"] == "true"
	if !ok {
		return false, &qerr.ProtocolError{Protocol: "firehose", Context: "program: missing final ACK"}
	}
	if onProgress != nil {
		onProgress(total)
	}
	return true, nil
}

// CmdErase erases numSectors sectors starting at startSector on lun
// (§4.6). When FastErase is set it issues <erase/> directly; otherwise it
// emulates erase with a <program/> of zero bytes. Callers MUST split
// ranges larger than MaxEraseSectorsPerCall themselves.
func (c *Conn) CmdErase(lun, startSector, numSectors int) (bool, error) {
	if numSectors > MaxEraseSectorsPerCall {
		return false, &qerr.ValidationError{Field: "numSectors", Context: "exceeds MaxEraseSectorsPerCall; caller must chunk"}
	}
	if c.cfg.FastErase {
		tag := xmlproto.Tag{Name: "erase", Attrs: []xmlproto.Attr{
			{"SECTOR_SIZE_IN_BYTES", c.cfg.SectorSizeInBytes},
			{"num_partition_sectors", numSectors},
			{"physical_partition_number", lun},
			{"start_sector", startSector},
		}}
		resp, err := c.xmlSend(tag, true)
		if err != nil {
			return false, err
		}
		if !resp.OK {
			qlog.Warnf("firehose: erase NAK on lun %d [%d,+%d), falling back to zero-program", lun, startSector, numSectors)
			return c.eraseViaProgram(lun, startSector, numSectors)
		}
		return true, nil
	}
	return c.eraseViaProgram(lun, startSector, numSectors)
}

func (c *Conn) eraseViaProgram(lun, startSector, numSectors int) (bool, error) {
	zeros := make([]byte, numSectors*c.cfg.SectorSizeInBytes)
	return c.CmdProgram(lun, startSector, zeros, nil)
}

// CmdSetBootLunId issues <setbootablestoragedrive .../> to select which
// LUN the SoC boots from (§4.7's setActiveSlot uses this with 1 for "a",
// 2 for "b").
func (c *Conn) CmdSetBootLunId(lun int) error {
	tag := xmlproto.Tag{Name: "setbootablestoragedrive", Attrs: []xmlproto.Attr{
		{"value", lun},
	}}
	resp, err := c.xmlSend(tag, true)
	if err != nil {
		return err
	}
	if !resp.OK {
		return &qerr.ProtocolError{Protocol: "firehose", Context: "setbootablestoragedrive NAK"}
	}
	return nil
}

// CmdReset issues <power value="reset"/>.
func (c *Conn) CmdReset() error {
	tag := xmlproto.Tag{Name: "power", Attrs: []xmlproto.Attr{
		{"value", "reset"},
	}}
	resp, err := c.xmlSend(tag, false)
	if err != nil {
		return err
	}
	if !resp.OK {
		return &qerr.ProtocolError{Protocol: "firehose", Context: "power reset NAK"}
	}
	return nil
}

// CmdGetStorageInfo issues <getstorageinfo .../> and returns the
// accumulated log array for the caller to search for the "INFO: " line
// carrying "storage_info" JSON (§4.6).
func (c *Conn) CmdGetStorageInfo() ([]string, error) {
	tag := xmlproto.Tag{Name: "getstorageinfo", Attrs: []xmlproto.Attr{
		{"physical_partition_number", 0},
	}}
	resp, err := c.xmlSend(tag, true)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, &qerr.ProtocolError{Protocol: "firehose", Context: "getstorageinfo NAK"}
	}
	return resp.Log, nil
}

// CmdFixGPT issues <fixgpt physical_partition_number=lun
// GrowLastPartition="1"/> (§4.7 repairGpt step 2).
func (c *Conn) CmdFixGPT(lun int) error {
	tag := xmlproto.Tag{Name: "fixgpt", Attrs: []xmlproto.Attr{
		{"physical_partition_number", lun},
		{"GrowLastPartition", "1"},
	}}
	resp, err := c.xmlSend(tag, true)
	if err != nil {
		return err
	}
	if !resp.OK {
		return &qerr.ProtocolError{Protocol: "firehose", Context: "fixgpt NAK"}
	}
	return nil
}

// StorageInfoSummary extracts the raw JSON text following "INFO: " on the
// log line that also contains "storage_info", per §4.6; callers that want
// structured data can json.Unmarshal the returned string themselves.
func StorageInfoSummary(log []string) (string, bool) {
	const prefix = "INFO: "
	for _, l := range log {
		if xmlproto.ContainsBytes("storage_info", []byte(l)) && xmlproto.ContainsBytes(prefix, []byte(l)) {
			idx := indexOf(l, prefix)
			if idx < 0 {
				continue
			}
			return l[idx+len(prefix):], true
		}
	}
	return "", false
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
