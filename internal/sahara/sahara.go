// Package sahara implements the Sahara handshake-and-pull state machine
// (§4.5): probing the peer's mode, answering command-mode requests (serial
// number read), and serving the chunked programmer-image upload that hands
// the SoC off into Firehose.
//
// The Conn/Error/wrapErr shape follows egtool/internal/dfu/dfu.go and
// egtool/internal/picoboot/picoboot.go: a small command-response state
// machine built directly on a claimed USB endpoint pair, little-endian
// fixed-layout packets via encoding/binary, errors wrapped with the
// operation name in a qerr.ProtocolError at each failure site.
package sahara

import (
	"encoding/binary"
	"time"

	"github.com/edltools/qdl/internal/qerr"
	"github.com/edltools/qdl/internal/qlog"
	"github.com/edltools/qdl/internal/usbio"
	"github.com/edltools/qdl/internal/xmlproto"
)

// Mode is the state the probe/handshake has settled into.
type Mode int

const (
	ModeProbing Mode = iota
	ModeSahara
	ModeCommand
	ModeImageTxPending
	ModeFirehose
	ModeError
)

func (m Mode) String() string {
	switch m {
	case ModeProbing:
		return "probing"
	case ModeSahara:
		return "sahara"
	case ModeCommand:
		return "command"
	case ModeImageTxPending:
		return "image-tx-pending"
	case ModeFirehose:
		return "firehose"
	default:
		return "error"
	}
}

// Sahara command codes (§3/§6).
const (
	cmdHelloReq           uint32 = 0x1
	cmdHelloRsp           uint32 = 0x2
	cmdReadData           uint32 = 0x3 // legacy 32-bit memory read, unused by this core
	cmdEndTransfer        uint32 = 0x4
	cmdDoneReq            uint32 = 0x5
	cmdDoneRsp            uint32 = 0x6
	cmdResetReq           uint32 = 0x7
	cmdResetRsp           uint32 = 0x8
	cmdCmdReady           uint32 = 0xB
	cmdSwitchMode         uint32 = 0xC
	cmdExecuteReq         uint32 = 0xD
	cmdExecuteRsp         uint32 = 0xE
	cmdExecuteData        uint32 = 0xF
	cmd64BitMemoryReadReq uint32 = 0x12
)

// Sahara modes carried in HELLO_RSP / SWITCH_MODE (§3).
const (
	pktModeImageTxPending uint32 = 0
	pktModeCommand        uint32 = 3
)

const (
	serialNumRead uint32 = 0x7 // EXECUTE_REQ command id for SERIAL_NUM_READ

	statusSuccess uint32 = 0

	probeReadBudget      = 500 * time.Millisecond
	noopWriteBudget      = 1 * time.Second
	probeReadAfterNoop   = 2 * time.Second
)

// Conn drives the Sahara state machine over a usbio.Transport.
type Conn struct {
	t         usbio.Transport
	Mode      Mode
	Serial    string // hex-encoded device serial, populated by ReadSerial
	programmer []byte
}

// New wraps t with a Sahara session over programmer (the signed loader
// image bytes to serve during upload).
func New(t usbio.Transport, programmer []byte) *Conn {
	return &Conn{t: t, Mode: ModeProbing, programmer: programmer}
}

func le32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

func putLE32(buf []byte, v uint32) { binary.LittleEndian.PutUint32(buf, v) }

// header parses the 8-byte {cmd, length} prefix common to every Sahara
// packet.
func header(buf []byte) (cmd, length uint32, ok bool) {
	if len(buf) < 8 {
		return 0, 0, false
	}
	return le32(buf[0:4]), le32(buf[4:8]), true
}

// Connect runs the probe described in §4.5: classify the peer as already
// being in sahara or firehose mode, or nudge it with a no-op XML write and
// reclassify.
func (c *Conn) Connect() (Mode, error) {
	buf, err := c.t.ReadTimeout(48, probeReadBudget)
	if err == nil {
		if mode, ok := classify(buf); ok {
			c.Mode = mode
			return mode, nil
		}
	}

	noop := xmlproto.Build(xmlproto.Tag{Name: "nop"})
	if werr := c.t.WriteTimeout(noop, false, noopWriteBudget); werr != nil {
		c.Mode = ModeError
		return ModeError, &qerr.ProtocolError{Protocol: "sahara", Context: "probe nop write", Err: werr}
	}
	buf, err = c.t.ReadTimeout(48, probeReadAfterNoop)
	if err == nil {
		if mode, ok := classify(buf); ok {
			c.Mode = mode
			return mode, nil
		}
	}

	c.Mode = ModeError
	return ModeError, &qerr.ProtocolError{
		Protocol: "sahara",
		Context:  "could not classify peer state; device may be wedged, try a reboot",
	}
}

// classify implements §4.5 steps 2-3: a frame whose first byte is 0x01 and
// whose command is HELLO_REQ or END_TRANSFER means sahara mode, an embedded
// "<?xml" marker means the peer is already past Sahara and speaking
// Firehose.
func classify(buf []byte) (Mode, bool) {
	if len(buf) > 0 && buf[0] == 0x01 {
		if cmd, _, ok := header(buf); ok && (cmd == cmdHelloReq || cmd == cmdEndTransfer) {
			return ModeSahara, true
		}
	}
	if xmlproto.ContainsBytes("<?xml", buf) {
		return ModeFirehose, true
	}
	return ModeProbing, false
}

// helloRsp builds the 12-word HELLO_RSP frame (§3).
func helloRsp(mode uint32) []byte {
	buf := make([]byte, 12*4)
	putLE32(buf[0:], cmdHelloRsp)
	putLE32(buf[4:], uint32(len(buf)))
	putLE32(buf[8:], 2)    // version
	putLE32(buf[12:], 1)   // min version
	putLE32(buf[16:], uint32(len(buf)))
	putLE32(buf[20:], mode)
	// remaining words reserved/zero
	return buf
}

// ReadSerial performs the command-mode handshake (§4.5): HELLO_RSP(mode=
// COMMAND), wait for CMD_READY, EXECUTE_REQ(SERIAL_NUM_READ), then read the
// device's serial out of the EXECUTE_DATA payload.
func (c *Conn) ReadSerial() (string, error) {
	if err := c.t.Write(helloRsp(pktModeCommand), true); err != nil {
		return "", &qerr.ProtocolError{Protocol: "sahara", Context: "HELLO_RSP", Err: err}
	}
	buf, err := c.t.Read(8)
	if err != nil {
		return "", &qerr.ProtocolError{Protocol: "sahara", Context: "await CMD_READY", Err: err}
	}
	if cmd, _, ok := header(buf); !ok || cmd != cmdCmdReady {
		return "", &qerr.ProtocolError{Protocol: "sahara", Context: "expected CMD_READY"}
	}

	req := make([]byte, 12)
	putLE32(req[0:], cmdExecuteReq)
	putLE32(req[4:], uint32(len(req)))
	putLE32(req[8:], serialNumRead)
	if err := c.t.Write(req, true); err != nil {
		return "", &qerr.ProtocolError{Protocol: "sahara", Context: "EXECUTE_REQ", Err: err}
	}

	rsp, err := c.t.Read(16)
	if err != nil {
		return "", &qerr.ProtocolError{Protocol: "sahara", Context: "EXECUTE_RSP", Err: err}
	}
	cmd, _, ok := header(rsp)
	if !ok || cmd != cmdExecuteRsp {
		return "", &qerr.ProtocolError{Protocol: "sahara", Context: "expected EXECUTE_RSP"}
	}
	dataLen := le32(rsp[12:16])

	data := make([]byte, 8)
	putLE32(data[0:], cmdExecuteData)
	putLE32(data[4:], 8)
	if err := c.t.Write(data, true); err != nil {
		return "", &qerr.ProtocolError{Protocol: "sahara", Context: "EXECUTE_DATA", Err: err}
	}
	payload, err := c.t.Read(int(dataLen))
	if err != nil {
		return "", &qerr.ProtocolError{Protocol: "sahara", Context: "read serial payload", Err: err}
	}
	if len(payload) < 4 {
		return "", &qerr.ProtocolError{Protocol: "sahara", Context: "serial payload too short"}
	}
	serial := le32(payload[:4])
	c.Serial = hexUint32(serial)
	c.Mode = ModeCommand
	return c.Serial, nil
}

func hexUint32(v uint32) string {
	const digits = "0123456789abcdef"
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = digits[v&0xF]
		v >>= 4
	}
	return string(buf)
}

// UploadLoader drives the image-upload loop (§4.5): switch to COMMAND mode,
// re-probe (the device resets its Sahara transport), HELLO_RSP(mode=
// IMAGE_TX_PENDING), then serve 64-bit memory-read requests out of the
// programmer image until END_TRANSFER/DONE_RSP. Returns "firehose" (as
// Mode.String()) on success.
func (c *Conn) UploadLoader() (Mode, error) {
	sw := make([]byte, 12)
	putLE32(sw[0:], cmdSwitchMode)
	putLE32(sw[4:], uint32(len(sw)))
	putLE32(sw[8:], pktModeCommand)
	if err := c.t.Write(sw, true); err != nil {
		return ModeError, &qerr.ProtocolError{Protocol: "sahara", Context: "SWITCH_MODE", Err: err}
	}
	if _, err := c.Connect(); err != nil {
		return ModeError, err
	}

	if err := c.t.Write(helloRsp(pktModeImageTxPending), true); err != nil {
		return ModeError, &qerr.ProtocolError{Protocol: "sahara", Context: "HELLO_RSP image-tx", Err: err}
	}
	c.Mode = ModeImageTxPending

	firehoseBound := false
	for {
		buf, err := c.t.Read(8)
		if err != nil {
			return ModeError, &qerr.ProtocolError{Protocol: "sahara", Context: "await upload frame", Err: err}
		}
		cmd, length, ok := header(buf)
		if !ok {
			return ModeError, &qerr.ProtocolError{Protocol: "sahara", Context: "malformed upload frame"}
		}
		rest, err := c.t.Read(int(length) - 8)
		if err != nil {
			return ModeError, &qerr.ProtocolError{Protocol: "sahara", Context: "read frame body", Err: err}
		}
		frame := append(append([]byte{}, buf...), rest...)

		switch cmd {
		case cmd64BitMemoryReadReq:
			if len(frame) < 8+8+8+8 {
				return ModeError, &qerr.ProtocolError{Protocol: "sahara", Context: "64BIT_MEMORY_READ_DATA too short"}
			}
			imageID := le32(frame[8:12])
			if imageID < 0x0C {
				return ModeError, &qerr.ProtocolError{Protocol: "sahara", Context: "unexpected image id < 0x0C"}
			}
			firehoseBound = true
			offset := binary.LittleEndian.Uint64(frame[16:24])
			dataLen := binary.LittleEndian.Uint64(frame[24:32])
			slice := sliceProgrammer(c.programmer, offset, dataLen)
			if err := c.t.Write(slice, true); err != nil {
				return ModeError, &qerr.ProtocolError{Protocol: "sahara", Context: "write memory slice", Err: err}
			}
		case cmdEndTransfer:
			if len(frame) < 12 {
				return ModeError, &qerr.ProtocolError{Protocol: "sahara", Context: "END_TRANSFER too short"}
			}
			status := le32(frame[8:12])
			if status != statusSuccess {
				return ModeError, &qerr.ProtocolError{Protocol: "sahara", Context: "END_TRANSFER reported failure"}
			}
			done := make([]byte, 8)
			putLE32(done[0:], cmdDoneReq)
			putLE32(done[4:], 8)
			if err := c.t.Write(done, true); err != nil {
				return ModeError, &qerr.ProtocolError{Protocol: "sahara", Context: "DONE_REQ", Err: err}
			}
			rsp, err := c.t.Read(8)
			if err != nil {
				return ModeError, &qerr.ProtocolError{Protocol: "sahara", Context: "DONE_RSP", Err: err}
			}
			rc, _, ok := header(rsp)
			if !ok || rc != cmdDoneRsp {
				return ModeError, &qerr.ProtocolError{Protocol: "sahara", Context: "expected DONE_RSP"}
			}
			if !firehoseBound {
				return ModeError, &qerr.ProtocolError{Protocol: "sahara", Context: "upload ended before any memory read"}
			}
			c.Mode = ModeFirehose
			qlog.Debugf("sahara: loader upload complete, serial=%s", c.Serial)
			return ModeFirehose, nil
		default:
			return ModeError, &qerr.ProtocolError{Protocol: "sahara", Context: "unexpected frame during upload"}
		}
	}
}

// sliceProgrammer returns programmer[offset:offset+length), zero-padding
// any portion of the requested range that falls past the end of the
// programmer image (§4.5).
func sliceProgrammer(programmer []byte, offset, length uint64) []byte {
	out := make([]byte, length)
	if offset >= uint64(len(programmer)) {
		return out
	}
	avail := uint64(len(programmer)) - offset
	n := length
	if avail < n {
		n = avail
	}
	copy(out, programmer[offset:offset+n])
	return out
}
