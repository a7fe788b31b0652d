package qdl

import (
	"testing"
	"time"

	"github.com/edltools/qdl/internal/firehose"
	"github.com/edltools/qdl/internal/gpt"
	"github.com/edltools/qdl/internal/usbio"
)

// fakeTransport is the same scripted usbio.Transport double sahara_test.go
// and firehose_test.go use: reads pop pre-queued frames/documents in order,
// writes are just recorded.
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
		return nil, errNoMoreReads("no more scripted reads")
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

func (f *fakeTransport) WriteZLP() error    { return nil }
func (f *fakeTransport) MaxPacketSize() int { return 512 }

var _ usbio.Transport = (*fakeTransport)(nil)

type errNoMoreReads string

func (e errNoMoreReads) Error() string { return string(e) }

func responseDoc(attrs string) []byte {
	return []byte(`<?xml version="1.0" ?><data><response ` + attrs + ` /></data>`)
}

// readBufferFrames scripts the three fake reads one firehose.CmdReadBuffer
// call consumes: the rawmode ACK, the raw payload, then the final ACK.
func readBufferFrames(payload []byte) [][]byte {
	return [][]byte{
		responseDoc(`value="ACK" rawmode="true"`),
		payload,
		responseDoc(`value="ACK"`),
	}
}

const testSectorSize = 512

// testTable builds a small, internally consistent two-slot GPT: header at
// LBA 1, a single-sector entry array (4 entries * 128 bytes = 512 bytes) at
// LBA 2, alternate header at LBA 4095.
func testTable() *gpt.Table {
	entries := []gpt.Entry{
		{TypeGUID: gpt.GUID{1, 2, 3, 4}, UniqueGUID: gpt.GUID{5}, StartingLba: 34, EndingLba: 1057, Name: "boot_a"},
		{TypeGUID: gpt.GUID{1, 2, 3, 4}, UniqueGUID: gpt.GUID{6}, StartingLba: 1058, EndingLba: 2081, Name: "boot_b"},
		{}, // unused slots, so len(entries) == NumPartEntries
		{},
	}
	h := gpt.Header{
		HeaderSize:          gpt.MinHeaderSize,
		CurrentLba:          1,
		AlternateLba:        4095,
		FirstUsableLba:      6,
		LastUsableLba:       4090,
		DiskGUID:            gpt.GUID{0xAA},
		PartEntriesStartLba: 2,
		NumPartEntries:      4,
		PartEntrySize:       128,
	}
	return &gpt.Table{Header: h, Entries: entries, SectorSize: testSectorSize}
}

func newTestDevice(ft *fakeTransport) *Device {
	cfg := firehose.DefaultConfig()
	cfg.SectorSizeInBytes = testSectorSize
	fh := firehose.New(ft, cfg)
	fh.LUNs = []int{0}
	return &Device{t: ft, fh: fh}
}

func TestGetGPTHealthyPrimaryMatchesBackup(t *testing.T) {
	table := testTable()
	primarySector, err := table.BuildHeader(table.Header, table.Entries)
	if err != nil {
		t.Fatal(err)
	}
	entriesBytes := gpt.BuildEntries(table.Entries, table.Header.PartEntrySize)
	altHeader := table.AsAlternate()
	backupSector, err := table.BuildHeader(altHeader, table.Entries)
	if err != nil {
		t.Fatal(err)
	}

	ft := &fakeTransport{}
	ft.reads = append(ft.reads, readBufferFrames(primarySector)...)
	ft.reads = append(ft.reads, readBufferFrames(entriesBytes)...)
	ft.reads = append(ft.reads, readBufferFrames(backupSector)...)

	d := newTestDevice(ft)
	got, err := d.GetGPT(0, nil, testSectorSize)
	if err != nil {
		t.Fatal(err)
	}
	if got.Header.CurrentLba != table.Header.CurrentLba {
		t.Errorf("CurrentLba = %d, want %d", got.Header.CurrentLba, table.Header.CurrentLba)
	}
	if len(got.Entries) != len(table.Entries) {
		t.Fatalf("got %d entries, want %d", len(got.Entries), len(table.Entries))
	}
	if e, ok := got.Lookup("boot_a"); !ok || e.StartingLba != 34 {
		t.Errorf("boot_a lookup = %+v, %v", e, ok)
	}
}

// headerCrcFieldOffset is the byte offset of a field covered by a GPT
// header's own CRC32 (signature[8]+revision(4)+headersize(4)+crc32(4)+
// reserved(4) = 24, the start of CurrentLba) — mutating it invalidates the
// CRC without touching the signature/revision ParseHeader itself checks.
const headerCrcFieldOffset = 24

func TestGetGPTCrcMismatchPrimaryFallsBackToBackup(t *testing.T) {
	table := testTable()
	primarySector, err := table.BuildHeader(table.Header, table.Entries)
	if err != nil {
		t.Fatal(err)
	}
	corruptPrimary := append([]byte{}, primarySector...)
	corruptPrimary[headerCrcFieldOffset] ^= 0xFF

	entriesBytes := gpt.BuildEntries(table.Entries, table.Header.PartEntrySize)
	altHeader := table.AsAlternate()
	backupSector, err := table.BuildHeader(altHeader, table.Entries)
	if err != nil {
		t.Fatal(err)
	}

	ft := &fakeTransport{}
	// 1st CmdReadBuffer: primary header sector (parses, but CRC32 mismatches).
	ft.reads = append(ft.reads, readBufferFrames(corruptPrimary)...)
	// recoverFromBackup reads the alternate header sector...
	ft.reads = append(ft.reads, readBufferFrames(backupSector)...)
	// ...then the backup's own entry array.
	ft.reads = append(ft.reads, readBufferFrames(entriesBytes)...)

	d := newTestDevice(ft)
	got, err := d.GetGPT(0, nil, testSectorSize)
	if err != nil {
		t.Fatal(err)
	}
	if got.Header.CurrentLba != altHeader.CurrentLba {
		t.Errorf("expected the alternate header's CurrentLba %d, got %d", altHeader.CurrentLba, got.Header.CurrentLba)
	}
	if _, ok := got.Lookup("boot_b"); !ok {
		t.Error("expected boot_b to be recovered from the backup entry array")
	}
}

func TestGetGPTUnparseablePrimaryWithoutLocatableBackupFails(t *testing.T) {
	// A primary header that fails to parse outright (bad signature) carries
	// no trustworthy AlternateLba, so there is no location to even attempt
	// reading a backup from; GetGPT must fail immediately rather than guess.
	garbage := make([]byte, testSectorSize)
	copy(garbage, []byte("not a gpt header at all"))

	ft := &fakeTransport{}
	ft.reads = append(ft.reads, readBufferFrames(garbage)...)

	d := newTestDevice(ft)
	if _, err := d.GetGPT(0, nil, testSectorSize); err == nil {
		t.Fatal("expected an error when the primary header is unparseable and no alternate location is known")
	}
}

func TestGetGPTCrcMismatchPrimaryAndCorruptBackupFails(t *testing.T) {
	table := testTable()
	primarySector, err := table.BuildHeader(table.Header, table.Entries)
	if err != nil {
		t.Fatal(err)
	}
	corruptPrimary := append([]byte{}, primarySector...)
	corruptPrimary[headerCrcFieldOffset] ^= 0xFF

	corruptBackup := make([]byte, testSectorSize)
	copy(corruptBackup, []byte("also not a gpt header"))

	ft := &fakeTransport{}
	ft.reads = append(ft.reads, readBufferFrames(corruptPrimary)...) // primary: parses, CRC mismatch
	ft.reads = append(ft.reads, readBufferFrames(corruptBackup)...)  // alternate: unparseable too

	d := newTestDevice(ft)
	if _, err := d.GetGPT(0, nil, testSectorSize); err == nil {
		t.Fatal("expected an error when both primary and backup headers are corrupt")
	}
}

func TestEraseLunSkipsProtectedRanges(t *testing.T) {
	table := testTable()
	primarySector, err := table.BuildHeader(table.Header, table.Entries)
	if err != nil {
		t.Fatal(err)
	}
	entriesBytes := gpt.BuildEntries(table.Entries, table.Header.PartEntrySize)
	altHeader := table.AsAlternate()
	backupSector, err := table.BuildHeader(altHeader, table.Entries)
	if err != nil {
		t.Fatal(err)
	}

	ft := &fakeTransport{}
	// GetGPT inside EraseLun's planning step.
	ft.reads = append(ft.reads, readBufferFrames(primarySector)...)
	ft.reads = append(ft.reads, readBufferFrames(entriesBytes)...)
	ft.reads = append(ft.reads, readBufferFrames(backupSector)...)
	// Every erasable gap becomes one <erase/> (FastErase is on by default),
	// each of which only needs a single ACK response.
	for i := 0; i < 8; i++ {
		ft.reads = append(ft.reads, responseDoc(`value="ACK"`))
	}

	d := newTestDevice(ft)
	if err := d.EraseLun(0, []string{"boot_a", "boot_b"}); err != nil {
		t.Fatal(err)
	}

	// GetGPT's own planning reads (<read .../> for header/entries/backup)
	// are interleaved with the erase commands in ft.writes; only count the
	// latter.
	eraseWrites := 0
	for _, w := range ft.writes {
		if containsSubstring(string(w), "<erase") {
			eraseWrites++
		}
	}
	if eraseWrites != 2 {
		t.Fatalf("got %d <erase writes, want 2 (one per erasable gap around the protected ranges)", eraseWrites)
	}
}

func containsSubstring(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func TestCoalesceMergesAdjacentAndOverlapping(t *testing.T) {
	in := []lbaRange{
		{100, 200},
		{0, 0},
		{201, 250}, // adjacent to the previous range
		{300, 310},
		{305, 320}, // overlaps the previous range
	}
	got := coalesce(in)
	want := []lbaRange{
		{0, 0},
		{100, 250},
		{300, 320},
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("range %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestInvertProducesGapsBetweenProtectedRanges(t *testing.T) {
	protected := []lbaRange{
		{0, 0},
		{100, 250},
		{300, 320},
	}
	got := invert(protected, 1000)
	want := []lbaRange{
		{1, 99},
		{251, 299},
		{321, 1000},
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("range %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestInvertWithNoProtectedRanges(t *testing.T) {
	got := invert(nil, 50)
	if len(got) != 1 || got[0] != (lbaRange{0, 50}) {
		t.Fatalf("got %v, want [{0 50}]", got)
	}
}

func TestInvertFullyProtectedDiskYieldsNothing(t *testing.T) {
	got := invert([]lbaRange{{0, 50}}, 50)
	if len(got) != 0 {
		t.Fatalf("got %v, want no erasable ranges", got)
	}
}

func TestLookupSuffix(t *testing.T) {
	cases := map[string]struct {
		suffix string
		ok     bool
	}{
		"boot_a":   {"a", true},
		"boot_b":   {"b", true},
		"persist":  {"", false},
		"system_a": {"a", true},
	}
	for name, want := range cases {
		suffix, ok := lookupSuffix(name)
		if suffix != want.suffix || ok != want.ok {
			t.Errorf("lookupSuffix(%q) = (%q, %v), want (%q, %v)", name, suffix, ok, want.suffix, want.ok)
		}
	}
}
