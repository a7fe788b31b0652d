// Package qdl is the device orchestrator (§4.7): it composes usbio, sahara,
// firehose, and gpt into the six high-level flows a CLI driver needs —
// connect, getGpt, flashBlob, eraseLun, repairGpt, setActiveSlot.
//
// The struct-with-subsystems-plus-plain-methods shape mirrors
// egtool/internal/load/auto.go, which drives dfu/picoboot/teensy the same
// way this package drives sahara/firehose: try one path, fall through on a
// well-understood failure, report a typed error otherwise.
package qdl

import (
	"sort"

	"github.com/edltools/qdl/internal/firehose"
	"github.com/edltools/qdl/internal/gpt"
	"github.com/edltools/qdl/internal/qerr"
	"github.com/edltools/qdl/internal/qlog"
	"github.com/edltools/qdl/internal/sahara"
	"github.com/edltools/qdl/internal/sparse"
	"github.com/edltools/qdl/internal/usbio"
)

// Device is a connected EDL session: a claimed USB transport plus an
// established Firehose command channel. Every operation runs to
// completion before the next begins — §5's single-writer, single-flight
// discipline is enforced simply by this type having no internal
// concurrency of its own.
type Device struct {
	t  usbio.Transport
	fh *firehose.Conn
}

// Connect claims the USB device, drives it through Sahara into Firehose,
// and configures the session (§4.7 connect).
func Connect(t usbio.Transport, programmerImage []byte, cfg firehose.Config) (*Device, error) {
	if !t.Connected() {
		if err := t.Connect(); err != nil {
			return nil, &qerr.ConnectionError{Context: "usb connect", Err: err}
		}
	}

	sh := sahara.New(t, programmerImage)
	mode, err := sh.Connect()
	if err != nil {
		return nil, &qerr.ConnectionError{Context: "sahara probe", Err: err}
	}
	switch mode {
	case sahara.ModeSahara:
		fhMode, err := sh.UploadLoader()
		if err != nil {
			return nil, &qerr.ConnectionError{Context: "sahara loader upload", Err: err}
		}
		if fhMode != sahara.ModeFirehose {
			return nil, &qerr.ConnectionError{Context: "sahara did not hand off to firehose, mode=" + fhMode.String()}
		}
	case sahara.ModeFirehose:
		// peer already past Sahara; nothing to upload.
	default:
		return nil, &qerr.ConnectionError{Context: "unexpected peer mode " + mode.String()}
	}

	fh := firehose.New(t, cfg)
	if err := fh.Configure(); err != nil {
		return nil, &qerr.ConnectionError{Context: "firehose configure", Err: err}
	}
	return &Device{t: t, fh: fh}, nil
}

// Close releases the underlying USB transport.
func (d *Device) Close() error { return d.t.Close() }

// partitionLUN is where a partition lookup in getGpt landed.
type partitionLUN struct {
	lun   int
	table gpt.Table
	entry gpt.Entry
}

// readSector reads exactly one sector at lba on lun.
func (d *Device) readSector(lun int, lba uint64, sectorSize int) ([]byte, error) {
	buf, err := d.fh.CmdReadBuffer(lun, int(lba), 1)
	if err != nil {
		return nil, err
	}
	if len(buf) < sectorSize {
		return nil, &qerr.GPTError{Lun: lun, Context: "short sector read"}
	}
	return buf[:sectorSize], nil
}

// GetGPT reads and reconciles the GPT on lun (§4.7 getGpt). When sector is
// non-nil, only that explicit header location is read and returned,
// skipping backup reconciliation.
func (d *Device) GetGPT(lun int, sector *uint64, sectorSize int) (gpt.Table, error) {
	readLba := uint64(1)
	explicit := false
	if sector != nil {
		readLba = *sector
		explicit = true
	}

	headerBuf, err := d.readSector(lun, readLba, sectorSize)
	if err != nil {
		return gpt.Table{}, &qerr.GPTError{Lun: lun, Context: "read header sector", Err: err}
	}
	primary, primaryStatus, primaryErr := gpt.ParseHeader(headerBuf, uint32(sectorSize))
	if primaryErr == nil && primary.CurrentLba != readLba {
		qlog.Warnf("qdl: lun %d GPT header read from LBA %d claims CurrentLba %d", lun, readLba, primary.CurrentLba)
	}

	if explicit {
		if primaryErr != nil {
			return gpt.Table{}, primaryErr
		}
		entries, err := d.readEntries(lun, primary, sectorSize)
		if err != nil {
			return gpt.Table{}, err
		}
		return gpt.Table{Header: primary, Entries: entries, SectorSize: uint32(sectorSize)}, nil
	}

	if primaryErr != nil {
		return d.recoverFromBackup(lun, nil, sectorSize)
	}
	if primaryStatus.MismatchCrc32 {
		qlog.Warnf("qdl: lun %d primary GPT header CRC32 mismatch, preferring backup", lun)
		return d.recoverFromBackup(lun, &primary, sectorSize)
	}

	primaryEntries, entryStatus, err := d.readEntriesWithStatus(lun, primary, sectorSize)
	if err != nil {
		return d.recoverFromBackup(lun, &primary, sectorSize)
	}

	backupBuf, err := d.readSector(lun, primary.AlternateLba, sectorSize)
	if err != nil {
		qlog.Warnf("qdl: lun %d could not read alternate header: %v", lun, err)
		return gpt.Table{Header: primary, Entries: primaryEntries, SectorSize: uint32(sectorSize)}, nil
	}
	backup, backupStatus, backupErr := gpt.ParseHeader(backupBuf, uint32(sectorSize))
	if backupErr != nil || backupStatus.MismatchCrc32 {
		qlog.Warnf("qdl: lun %d alternate header unreadable/corrupt, using primary", lun)
		return gpt.Table{Header: primary, Entries: primaryEntries, SectorSize: uint32(sectorSize)}, nil
	}

	if primary.PartEntriesCrc32 != backup.PartEntriesCrc32 && !entryStatus.MismatchCrc32 {
		qlog.Warnf("qdl: lun %d primary/backup entry array CRC32 mismatch, preferring primary", lun)
	}

	return gpt.Table{Header: primary, Entries: primaryEntries, SectorSize: uint32(sectorSize)}, nil
}

func (d *Device) readEntries(lun int, h gpt.Header, sectorSize int) ([]gpt.Entry, error) {
	entries, _, err := d.readEntriesWithStatus(lun, h, sectorSize)
	return entries, err
}

func (d *Device) readEntriesWithStatus(lun int, h gpt.Header, sectorSize int) ([]gpt.Entry, gpt.ParseStatus, error) {
	count := entriesSectorCount(h.NumPartEntries, h.PartEntrySize, uint32(sectorSize))
	buf, err := d.fh.CmdReadBuffer(lun, int(h.PartEntriesStartLba), int(count))
	if err != nil {
		return nil, gpt.ParseStatus{}, &qerr.GPTError{Lun: lun, Context: "read entry array", Err: err}
	}
	return gpt.ParseEntries(buf, h.NumPartEntries, h.PartEntrySize, h.PartEntriesCrc32)
}

func entriesSectorCount(numEntries, entrySize, sectorSize uint32) uint64 {
	total := uint64(numEntries) * uint64(entrySize)
	return (total + uint64(sectorSize) - 1) / uint64(sectorSize)
}

// recoverFromBackup is called when the primary header is unusable;
// primaryHdr, if non-nil, is still used to locate AlternateLba.
func (d *Device) recoverFromBackup(lun int, primaryHdr *gpt.Header, sectorSize int) (gpt.Table, error) {
	if primaryHdr == nil {
		return gpt.Table{}, &qerr.GPTError{Lun: lun, Context: "both primary and backup GPT headers corrupt"}
	}
	backupBuf, err := d.readSector(lun, primaryHdr.AlternateLba, sectorSize)
	if err != nil {
		return gpt.Table{}, &qerr.GPTError{Lun: lun, Context: "both primary and backup GPT headers corrupt", Err: err}
	}
	backup, backupStatus, backupErr := gpt.ParseHeader(backupBuf, uint32(sectorSize))
	if backupErr != nil || backupStatus.MismatchCrc32 {
		return gpt.Table{}, &qerr.GPTError{Lun: lun, Context: "both primary and backup GPT headers corrupt"}
	}
	entries, err := d.readEntries(lun, backup, sectorSize)
	if err != nil {
		return gpt.Table{}, &qerr.GPTError{Lun: lun, Context: "backup GPT entry array unreadable", Err: err}
	}
	return gpt.Table{Header: backup, Entries: entries, SectorSize: uint32(sectorSize)}, nil
}

// locatePartition scans every LUN's GPT for a partition named name.
func (d *Device) locatePartition(name string, sectorSize int) (partitionLUN, error) {
	for _, lun := range d.fh.LUNs {
		table, err := d.GetGPT(lun, nil, sectorSize)
		if err != nil {
			continue
		}
		if entry, ok := table.Lookup(name); ok {
			return partitionLUN{lun: lun, table: table, entry: entry}, nil
		}
	}
	return partitionLUN{}, &qerr.FlashError{Partition: name, Context: "partition not found on any lun"}
}

// EraseNamedPartition zeroes just the named partition's own sector range,
// without touching the rest of its lun (the CLI's "erase PARTITION" form;
// "erase --lun N" instead drives the whole-lun EraseLun flow).
func (d *Device) EraseNamedPartition(name string) error {
	if name == "gpt" {
		qlog.Infof("qdl: refusing to erase partition literally named \"gpt\"; no-op")
		return nil
	}
	sectorSize := d.fh.Config().SectorSizeInBytes
	part, err := d.locatePartition(name, sectorSize)
	if err != nil {
		return err
	}
	if _, err := d.CmdEraseRange(part.lun, part.entry.StartingLba, part.entry.Sectors()); err != nil {
		return &qerr.FlashError{Partition: name, Context: "erase", Err: err}
	}
	return nil
}

// FlashBlob writes blob to the named partition (§4.7 flashBlob),
// dispatching to the sparse or raw path as appropriate.
func (d *Device) FlashBlob(name string, blob []byte, onProgress func(int64, int64)) error {
	if name == "gpt" {
		qlog.Infof("qdl: refusing to flash partition literally named \"gpt\"; no-op")
		return nil
	}
	sectorSize := d.fh.Config().SectorSizeInBytes
	part, err := d.locatePartition(name, sectorSize)
	if err != nil {
		return err
	}

	neededSectors := (int64(len(blob)) + int64(sectorSize) - 1) / int64(sectorSize)
	if neededSectors > int64(part.entry.Sectors()) {
		return &qerr.FlashError{Partition: name, Context: "image larger than partition"}
	}

	sp, err := sparse.From(blob)
	if err != nil {
		return &qerr.FlashError{Partition: name, Context: "sparse header invalid", Err: err}
	}
	if sp == nil {
		var wrap func(int64)
		if onProgress != nil {
			total := int64(len(blob))
			wrap = func(n int64) { onProgress(n, total) }
		}
		if _, err := d.fh.CmdProgram(part.lun, int(part.entry.StartingLba), blob, firehose.ProgressFunc(wrap)); err != nil {
			return &qerr.FlashError{Partition: name, Context: "program", Err: err}
		}
		return nil
	}

	if _, err := d.CmdEraseRange(part.lun, part.entry.StartingLba, part.entry.Sectors()); err != nil {
		return &qerr.FlashError{Partition: name, Context: "pre-erase", Err: err}
	}

	pieces, err := sp.Read()
	if err != nil {
		return &qerr.FlashError{Partition: name, Context: "decode sparse image", Err: err}
	}
	total := sp.ExpandedSize()
	var done int64
	for _, p := range pieces {
		if p.Hole {
			done += p.Size
			continue
		}
		if p.Offset%int64(sectorSize) != 0 {
			return &qerr.FlashError{Partition: name, Context: "sparse chunk not sector-aligned"}
		}
		startSector := part.entry.StartingLba + uint64(p.Offset/int64(sectorSize))
		var wrap firehose.ProgressFunc
		if onProgress != nil {
			base := done
			wrap = func(n int64) { onProgress(base+n, total) }
		}
		if _, err := d.fh.CmdProgram(part.lun, int(startSector), p.Data, wrap); err != nil {
			return &qerr.FlashError{Partition: name, Context: "program sparse chunk", Err: err}
		}
		done += p.Size
	}
	if onProgress != nil {
		onProgress(total, total)
	}
	return nil
}

// lbaRange is an inclusive [Start,End] sector range.
type lbaRange struct{ Start, End uint64 }

// EraseLun erases every sector on lun not covered by a preserved range
// (§4.7 eraseLun): MBR, the GPT header/entry areas, and any partition
// named in preserve.
func (d *Device) EraseLun(lun int, preserve []string) error {
	sectorSize := d.fh.Config().SectorSizeInBytes
	table, err := d.GetGPT(lun, nil, sectorSize)
	if err != nil {
		return &qerr.GPTError{Lun: lun, Context: "read gpt for erase planning", Err: err}
	}

	protected := []lbaRange{{0, 0}}
	protected = append(protected, lbaRange{table.Header.CurrentLba, table.Header.FirstUsableLba - 1})
	protected = append(protected, lbaRange{table.Header.LastUsableLba + 1, table.Header.AlternateLba})
	for _, name := range preserve {
		if name == "mbr" || name == "gpt" {
			continue
		}
		if e, ok := table.Lookup(name); ok {
			protected = append(protected, lbaRange{e.StartingLba, e.EndingLba})
		}
	}
	protected = coalesce(protected)

	diskEnd := table.Header.AlternateLba
	erasable := invert(protected, diskEnd)
	for _, r := range erasable {
		if _, err := d.CmdEraseRange(lun, r.Start, r.End-r.Start+1); err != nil {
			return &qerr.GPTError{Lun: lun, Context: "erase range", Err: err}
		}
	}
	return nil
}

// CmdEraseRange chunks a [start, start+count) sector range into calls no
// larger than firehose.MaxEraseSectorsPerCall (§4.7 step 3).
func (d *Device) CmdEraseRange(lun int, start, count uint64) (bool, error) {
	const maxPerCall = uint64(firehose.MaxEraseSectorsPerCall)
	for count > 0 {
		n := count
		if n > maxPerCall {
			n = maxPerCall
		}
		if ok, err := d.fh.CmdErase(lun, int(start), int(n)); err != nil || !ok {
			return ok, err
		}
		start += n
		count -= n
	}
	return true, nil
}

func coalesce(ranges []lbaRange) []lbaRange {
	if len(ranges) == 0 {
		return nil
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
	out := []lbaRange{ranges[0]}
	for _, r := range ranges[1:] {
		last := &out[len(out)-1]
		if r.Start <= last.End+1 {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

func invert(protected []lbaRange, diskEnd uint64) []lbaRange {
	var out []lbaRange
	cur := uint64(0)
	for _, r := range protected {
		if r.Start > cur {
			out = append(out, lbaRange{cur, r.Start - 1})
		}
		if r.End+1 > cur {
			cur = r.End + 1
		}
	}
	if cur <= diskEnd {
		out = append(out, lbaRange{cur, diskEnd})
	}
	return out
}

// RepairGPT writes primaryBlob to sector 0, asks the loader to regenerate
// the table via fixgpt, then rebuilds a consistent alternate table (§4.7
// repairGpt).
func (d *Device) RepairGPT(lun int, primaryBlob []byte) error {
	sectorSize := d.fh.Config().SectorSizeInBytes
	if _, err := d.fh.CmdProgram(lun, 0, primaryBlob, nil); err != nil {
		return &qerr.GPTError{Lun: lun, Context: "write primary gpt blob", Err: err}
	}
	if err := d.fh.CmdFixGPT(lun); err != nil {
		return &qerr.GPTError{Lun: lun, Context: "fixgpt", Err: err}
	}

	table, err := d.GetGPT(lun, nil, sectorSize)
	if err != nil {
		return &qerr.GPTError{Lun: lun, Context: "re-read gpt after fixgpt", Err: err}
	}

	altHeader := table.AsAlternate()
	altEntriesBytes := gpt.BuildEntries(table.Entries, altHeader.PartEntrySize)
	entriesStart := int(altHeader.PartEntriesStartLba)
	if _, err := d.fh.CmdProgram(lun, entriesStart, altEntriesBytes, nil); err != nil {
		return &qerr.GPTError{Lun: lun, Context: "write alternate entry array", Err: err}
	}
	altSector, err := table.BuildHeader(altHeader, table.Entries)
	if err != nil {
		return &qerr.GPTError{Lun: lun, Context: "build alternate header", Err: err}
	}
	if _, err := d.fh.CmdProgram(lun, int(altHeader.CurrentLba), altSector, nil); err != nil {
		return &qerr.GPTError{Lun: lun, Context: "write alternate header", Err: err}
	}
	return nil
}

// SetActiveSlot mutates every LUN's GPT in memory, writes entries then
// header back at the primary LBAs, and issues cmdSetBootLunId (§4.7
// setActiveSlot).
func (d *Device) SetActiveSlot(slot string) error {
	if slot != "a" && slot != "b" {
		return &qerr.ValidationError{Field: "slot", Context: "must be \"a\" or \"b\""}
	}
	sectorSize := d.fh.Config().SectorSizeInBytes
	for _, lun := range d.fh.LUNs {
		table, err := d.GetGPT(lun, nil, sectorSize)
		if err != nil {
			continue
		}
		hasSlotted := false
		for _, e := range table.Entries {
			if e.Present() {
				if _, ok := lookupSuffix(e.Name); ok {
					hasSlotted = true
					break
				}
			}
		}
		if !hasSlotted {
			continue
		}
		if err := table.SetActiveSlot(slot); err != nil {
			return err
		}
		entryBytes := gpt.BuildEntries(table.Entries, table.Header.PartEntrySize)
		if _, err := d.fh.CmdProgram(lun, int(table.Header.PartEntriesStartLba), entryBytes, nil); err != nil {
			return &qerr.GPTError{Lun: lun, Context: "write entry array for slot switch", Err: err}
		}
		sector, err := table.BuildHeader(table.Header, table.Entries)
		if err != nil {
			return &qerr.GPTError{Lun: lun, Context: "build header for slot switch", Err: err}
		}
		if _, err := d.fh.CmdProgram(lun, int(table.Header.CurrentLba), sector, nil); err != nil {
			return &qerr.GPTError{Lun: lun, Context: "write header for slot switch", Err: err}
		}
	}

	bootLun := 1
	if slot == "b" {
		bootLun = 2
	}
	if err := d.fh.CmdSetBootLunId(bootLun); err != nil {
		return &qerr.ConnectionError{Context: "setbootablestoragedrive", Err: err}
	}
	return nil
}

func lookupSuffix(name string) (string, bool) {
	if len(name) >= 2 && name[len(name)-2:] == "_a" {
		return "a", true
	}
	if len(name) >= 2 && name[len(name)-2:] == "_b" {
		return "b", true
	}
	return "", false
}

// GetActiveSlot reports the active slot on the first LUN that carries
// slotted partitions.
func (d *Device) GetActiveSlot() (string, error) {
	sectorSize := d.fh.Config().SectorSizeInBytes
	for _, lun := range d.fh.LUNs {
		table, err := d.GetGPT(lun, nil, sectorSize)
		if err != nil {
			continue
		}
		for _, e := range table.Entries {
			if e.Present() {
				if _, ok := lookupSuffix(e.Name); ok {
					return table.GetActiveSlot(), nil
				}
			}
		}
	}
	return "", &qerr.GPTError{Context: "no slotted partitions found on any lun"}
}

// GetStorageInfo returns the raw log lines from a <getstorageinfo/> call
// for the CLI layer to render.
func (d *Device) GetStorageInfo() ([]string, error) {
	return d.fh.CmdGetStorageInfo()
}

// Reset issues a power/reset request.
func (d *Device) Reset() error {
	return d.fh.CmdReset()
}
