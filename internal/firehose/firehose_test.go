package firehose

import (
	"time"

	"github.com/edltools/qdl/internal/usbio"
)

// fakeTransport answers Firehose XML requests with pre-scripted raw byte
// replies, recording every write for inspection — the same scripting
// approach sahara's tests use, since both protocols are driven purely
// through the usbio.Transport interface.
type fakeTransport struct {
	reads  [][]byte
	writes [][]byte
	zlps   int
}

func (f *fakeTransport) Connected() bool { return true }
func (f *fakeTransport) Connect() error  { return nil }
func (f *fakeTransport) Close() error    { return nil }

func (f *fakeTransport) Read(n int) ([]byte, error) {
	return f.ReadTimeout(n, 0)
}

func (f *fakeTransport) ReadTimeout(n int, d time.Duration) ([]byte, error) {
	if len(f.reads) == 0 {
		return nil, errNoMoreReads
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

func (f *fakeTransport) WriteZLP() error    { f.zlps++; return nil }
func (f *fakeTransport) MaxPacketSize() int { return 512 }

var _ usbio.Transport = (*fakeTransport)(nil)

type errReads string

func (e errReads) Error() string { return string(e) }

var errNoMoreReads = errReads("no more scripted reads")

func responseDoc(attrs string, logs ...string) []byte {
	doc := `<?xml version="1.0" ?><data><response ` + attrs + ` />`
	for _, l := range logs {
		doc += `<log value="` + l + `" />`
	}
	doc += `</data>`
	return []byte(doc)
}

