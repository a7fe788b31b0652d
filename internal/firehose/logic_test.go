package firehose

import (
	"strings"
	"testing"
)

func TestConfigureSucceedsOnFirstAck(t *testing.T) {
	ft := &fakeTransport{reads: [][]byte{
		responseDoc(`value="ACK" MemoryName="UFS"`,
			"Calling handler for configure",
			"Storage type set to value UFS",
		),
	}}
	conn := New(ft, DefaultConfig())
	if err := conn.Configure(); err != nil {
		t.Fatal(err)
	}
	if len(conn.LUNs) != DefaultConfig().MaxLUN {
		t.Errorf("LUNs = %v, want %d entries", conn.LUNs, DefaultConfig().MaxLUN)
	}
	if len(ft.writes) != 1 {
		t.Fatalf("expected a single configure write, got %d", len(ft.writes))
	}
	if !strings.Contains(string(ft.writes[0]), "<configure") {
		t.Errorf("write did not contain <configure: %s", ft.writes[0])
	}
}

func TestConfigureRetriesWhenMemoryNameMissing(t *testing.T) {
	ft := &fakeTransport{reads: [][]byte{
		responseDoc(`value="ACK"`, "log only, no MemoryName yet"),
		responseDoc(`value="ACK" MemoryName="UFS"`,
			"Calling handler for configure",
			"Storage type set to value UFS",
		),
	}}
	conn := New(ft, DefaultConfig())
	if err := conn.Configure(); err != nil {
		t.Fatal(err)
	}
	if len(ft.writes) != 1 {
		t.Fatalf("expected configure to be sent once and its reply read twice, got %d writes", len(ft.writes))
	}
}

func TestConfigureFailsWithoutLogAssertions(t *testing.T) {
	ft := &fakeTransport{reads: [][]byte{
		responseDoc(`value="ACK" MemoryName="UFS"`, "unrelated log line"),
	}}
	conn := New(ft, DefaultConfig())
	if err := conn.Configure(); err == nil {
		t.Fatal("expected an error when required log assertions are missing")
	}
}

func TestCmdReadBufferReturnsPayload(t *testing.T) {
	cfg := DefaultConfig()
	payload := make([]byte, cfg.SectorSizeInBytes*2)
	for i := range payload {
		payload[i] = byte(i)
	}
	ft := &fakeTransport{reads: [][]byte{
		responseDoc(`value="ACK" rawmode="true"`),
		payload,
		responseDoc(`value="ACK"`),
	}}
	conn := New(ft, cfg)
	got, err := conn.CmdReadBuffer(0, 10, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(payload) {
		t.Fatalf("got %d bytes, want %d", len(got), len(payload))
	}
}

func TestCmdProgramPadsFinalChunkAndZLPs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPayloadSizeToTargetInBytes = cfg.SectorSizeInBytes // force multiple chunks
	blob := make([]byte, cfg.SectorSizeInBytes+10)            // spills into a second, padded sector
	ft := &fakeTransport{reads: [][]byte{
		responseDoc(`value="ACK" rawmode="true"`),
		responseDoc(`value="ACK"`),
	}}
	conn := New(ft, cfg)

	var progressed []int64
	ok, err := conn.CmdProgram(0, 0, blob, func(n int64) { progressed = append(progressed, n) })
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected CmdProgram to report success")
	}
	// two payload chunk writes for two sectors of data
	if len(ft.writes) < 3 {
		t.Fatalf("expected at least program command + 2 payload chunks, got %d writes", len(ft.writes))
	}
	lastChunk := ft.writes[len(ft.writes)-1]
	if len(lastChunk) != cfg.SectorSizeInBytes {
		t.Errorf("final chunk len = %d, want padded to sector size %d", len(lastChunk), cfg.SectorSizeInBytes)
	}
	if ft.zlps != 2 {
		t.Errorf("got %d ZLPs, want one after each of the 2 payload chunks", ft.zlps)
	}
}

func TestCmdEraseSendsFastEraseCommand(t *testing.T) {
	cfg := DefaultConfig()
	ft := &fakeTransport{reads: [][]byte{
		responseDoc(`value="ACK"`),
	}}
	conn := New(ft, cfg)
	ok, err := conn.CmdErase(0, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected erase to succeed")
	}
}

func TestCmdEraseRejectsOversizedRange(t *testing.T) {
	conn := New(&fakeTransport{}, DefaultConfig())
	if _, err := conn.CmdErase(0, 0, MaxEraseSectorsPerCall+1); err == nil {
		t.Fatal("expected a validation error for a range exceeding MaxEraseSectorsPerCall")
	}
}

func TestStorageInfoSummaryExtractsJSON(t *testing.T) {
	log := []string{
		"INFO: some unrelated line",
		`INFO: {"storage_info":{"total_blocks":1000}}`,
	}
	raw, ok := StorageInfoSummary(log)
	if !ok {
		t.Fatal("expected a storage_info line to be found")
	}
	if !strings.Contains(raw, "storage_info") {
		t.Errorf("raw = %q, expected it to contain storage_info", raw)
	}
}
