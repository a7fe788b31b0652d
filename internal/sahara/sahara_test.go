package sahara

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/edltools/qdl/internal/usbio"
)

// fakeTransport is a scripted usbio.Transport: reads pop pre-queued frames,
// writes are just recorded for inspection. It exists purely to drive the
// Sahara state machine without real USB hardware.
type fakeTransport struct {
	reads  [][]byte
	writes [][]byte
}

func (f *fakeTransport) Connected() bool { return true }
func (f *fakeTransport) Connect() error  { return nil }
func (f *fakeTransport) Close() error    { return nil }

func (f *fakeTransport) Read(n int) ([]byte, error) {
	return f.ReadTimeout(n, 0)
}

func (f *fakeTransport) ReadTimeout(n int, d time.Duration) ([]byte, error) {
	if len(f.reads) == 0 {
		return nil, errNoMoreFrames
	}
	buf := f.reads[0]
	f.reads = f.reads[1:]
	return buf, nil
}

func (f *fakeTransport) Write(p []byte, wait bool) error {
	return f.WriteTimeout(p, wait, 0)
}

func (f *fakeTransport) WriteTimeout(p []byte, wait bool, d time.Duration) error {
	cp := append([]byte{}, p...)
	f.writes = append(f.writes, cp)
	return nil
}

func (f *fakeTransport) WriteZLP() error       { return nil }
func (f *fakeTransport) MaxPacketSize() int    { return 512 }

var _ usbio.Transport = (*fakeTransport)(nil)

var errNoMoreFrames = errFrames("no more scripted frames")

type errFrames string

func (e errFrames) Error() string { return string(e) }

func saharaFrame(cmd uint32, extra ...uint32) []byte {
	buf := make([]byte, 8+4*len(extra))
	binary.LittleEndian.PutUint32(buf[0:], cmd)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(buf)))
	for i, v := range extra {
		binary.LittleEndian.PutUint32(buf[8+4*i:], v)
	}
	return buf
}

func TestConnectClassifiesSaharaHelloReq(t *testing.T) {
	ft := &fakeTransport{reads: [][]byte{saharaFrame(cmdHelloReq, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1)}}
	c := New(ft, nil)
	mode, err := c.Connect()
	if err != nil {
		t.Fatal(err)
	}
	if mode != ModeSahara {
		t.Errorf("mode = %v, want sahara", mode)
	}
}

func TestConnectClassifiesFirehoseDirectly(t *testing.T) {
	xml := []byte(`<?xml version="1.0" ?><data><log value="hi"/></data>`)
	ft := &fakeTransport{reads: [][]byte{xml}}
	c := New(ft, nil)
	mode, err := c.Connect()
	if err != nil {
		t.Fatal(err)
	}
	if mode != ModeFirehose {
		t.Errorf("mode = %v, want firehose", mode)
	}
}

func TestConnectProbesWithNopWhenAmbiguous(t *testing.T) {
	xml := []byte(`<?xml version="1.0" ?><data><log value="after nop"/></data>`)
	ft := &fakeTransport{reads: [][]byte{{0x00, 0x00, 0x00, 0x00}, xml}}
	c := New(ft, nil)
	mode, err := c.Connect()
	if err != nil {
		t.Fatal(err)
	}
	if mode != ModeFirehose {
		t.Errorf("mode = %v, want firehose", mode)
	}
	if len(ft.writes) != 1 {
		t.Fatalf("expected exactly one nop write, got %d", len(ft.writes))
	}
}

func TestReadSerialParsesExecuteData(t *testing.T) {
	ft := &fakeTransport{reads: [][]byte{
		saharaFrame(cmdCmdReady),
		append(saharaFrame(cmdExecuteRsp, serialNumRead), le32bytes(4)...),
		func() []byte {
			payload := make([]byte, 4)
			binary.LittleEndian.PutUint32(payload, 0xDEADBEEF)
			return payload
		}(),
	}}
	c := New(ft, nil)
	serial, err := c.ReadSerial()
	if err != nil {
		t.Fatal(err)
	}
	if serial != "deadbeef" {
		t.Errorf("serial = %q, want %q", serial, "deadbeef")
	}
	if c.Mode != ModeCommand {
		t.Errorf("mode = %v, want command", c.Mode)
	}
}

func le32bytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func TestUploadLoaderServesMemoryReadsThenEnds(t *testing.T) {
	programmer := []byte("loader-image-bytes-go-here")

	memReadReq := func(imageID uint32, offset, length uint64) []byte {
		buf := make([]byte, 32)
		binary.LittleEndian.PutUint32(buf[0:], cmd64BitMemoryReadReq)
		binary.LittleEndian.PutUint32(buf[4:], uint32(len(buf)))
		binary.LittleEndian.PutUint32(buf[8:], imageID)
		binary.LittleEndian.PutUint64(buf[16:], offset)
		binary.LittleEndian.PutUint64(buf[24:], length)
		return buf
	}
	endTransfer := func(status uint32) []byte {
		return saharaFrame(cmdEndTransfer, status)
	}

	// The upload loop issues two Read calls per frame (8-byte header, then
	// length-8 body), so scripted frames must be pre-split to match.
	mr := memReadReq(0x0C, 0, uint64(len(programmer)))
	et := endTransfer(statusSuccess)
	ft := &fakeTransport{reads: [][]byte{
		// re-probe after SWITCH_MODE: a single 48-byte read.
		saharaFrame(cmdHelloReq, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1),
		mr[:8], mr[8:],
		et[:8], et[8:],
		saharaFrame(cmdDoneRsp),
	}}

	c := New(ft, programmer)
	mode, err := c.UploadLoader()
	if err != nil {
		t.Fatal(err)
	}
	if mode != ModeFirehose {
		t.Errorf("mode = %v, want firehose", mode)
	}

	// writes: SWITCH_MODE, HELLO_RSP(image-tx-pending), memory slice, DONE_REQ
	if len(ft.writes) != 4 {
		t.Fatalf("got %d writes, want 4: %v", len(ft.writes), ft.writes)
	}
	if string(ft.writes[2]) != string(programmer) {
		t.Errorf("memory slice write = %q, want the full programmer image", ft.writes[2])
	}
}

func TestUploadLoaderRejectsLowImageID(t *testing.T) {
	mr := func() []byte {
		buf := make([]byte, 32)
		binary.LittleEndian.PutUint32(buf[0:], cmd64BitMemoryReadReq)
		binary.LittleEndian.PutUint32(buf[4:], uint32(len(buf)))
		binary.LittleEndian.PutUint32(buf[8:], 1) // < 0x0C
		return buf
	}()
	ft := &fakeTransport{reads: [][]byte{
		saharaFrame(cmdHelloReq, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1),
		mr[:8], mr[8:],
	}}
	c := New(ft, []byte("x"))
	if _, err := c.UploadLoader(); err == nil {
		t.Fatal("expected a protocol error for image id < 0x0C")
	}
}

func TestSliceProgrammerZeroPadsTail(t *testing.T) {
	programmer := []byte{1, 2, 3, 4}
	out := sliceProgrammer(programmer, 2, 6)
	want := []byte{3, 4, 0, 0, 0, 0}
	if len(out) != len(want) {
		t.Fatalf("got %d bytes, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("out = %v, want %v", out, want)
		}
	}
}
