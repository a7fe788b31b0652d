// Command qdl drives storage flashing on a Qualcomm EDL device over
// Sahara/Firehose (§6). Its two-level dispatch — global flags then a
// subcommand table, each subcommand parsing its own flag.FlagSet — follows
// egtool/main.go's map[string]tool table and
// egtool/internal/cmd/load/main.go's per-subcommand flag.NewFlagSet.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/edltools/qdl/internal/firehose"
	"github.com/edltools/qdl/internal/gpt"
	"github.com/edltools/qdl/internal/programmer"
	"github.com/edltools/qdl/internal/qdl"
	"github.com/edltools/qdl/internal/qerr"
	"github.com/edltools/qdl/internal/qlog"
	"github.com/edltools/qdl/internal/usbio"
)

type subcommand struct {
	descr string
	run   func(dev *qdl.Device, args []string) error
}

var subcommands = map[string]subcommand{
	"reset":           {"reset the device", cmdReset},
	"getactiveslot":   {"print the active A/B slot", cmdGetActiveSlot},
	"setactiveslot":   {"set the active A/B slot to a or b", cmdSetActiveSlot},
	"getstorageinfo":  {"print storage_info as reported by the loader", cmdGetStorageInfo},
	"printgpt":        {"print a lun's partition table", cmdPrintGPT},
	"repairgpt":       {"rewrite a lun's GPT from a known-good primary image", cmdRepairGPT},
	"erase":           {"erase a partition or an entire lun", cmdErase},
	"flash":           {"flash an image to a partition", cmdFlash},
}

func printUsage() {
	names := slices.Sorted(maps.Keys(subcommands))
	maxLen := 0
	for _, n := range names {
		if len(n) > maxLen {
			maxLen = len(n)
		}
	}
	w := os.Stderr
	fmt.Fprintln(w, "Usage:\n  qdl [--programmer PATH] [--log-level LEVEL] COMMAND [ARGUMENTS]\n")
	fmt.Fprintln(w, "Available commands:")
	for _, n := range names {
		fmt.Fprintf(w, "  %*s  %s\n", maxLen, n, subcommands[n].descr)
	}
}

func main() {
	globals := flag.NewFlagSet("qdl", flag.ExitOnError)
	programmerPath := globals.String("programmer", "", "path to the Sahara loader image (.hex or raw binary)")
	logLevel := globals.String("log-level", "", "silent, error, warn, info, or debug (default info, also honors QDL_LOG_LEVEL)")
	globals.Usage = printUsage
	globals.Parse(os.Args[1:])

	qlog.SetLevel(qlog.FromEnv(*logLevel))

	args := globals.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	sub, ok := subcommands[args[0]]
	if !ok {
		printUsage()
		os.Exit(1)
	}

	dev, err := connectDevice(*programmerPath)
	if err != nil {
		qlog.Errorf("%v", err)
		os.Exit(exitCode(err))
	}
	defer dev.Close()

	if err := sub.run(dev, args[1:]); err != nil {
		qlog.Errorf("%v", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a qerr kind to a distinct process exit status, so scripts
// driving qdl can distinguish e.g. a USB/connection failure (worth retrying)
// from a validation error (caller's fault) without scraping stderr text.
func exitCode(err error) int {
	switch {
	case qerr.IsConnection(err):
		return 2
	case qerr.IsUSB(err):
		return 3
	case qerr.IsProtocol(err):
		return 4
	case qerr.IsTimeout(err):
		return 5
	case qerr.IsFlash(err):
		return 6
	case qerr.IsGPT(err):
		return 7
	case qerr.IsSparse(err):
		return 8
	case qerr.IsValidation(err):
		return 9
	default:
		return 1
	}
}

func connectDevice(programmerPath string) (*qdl.Device, error) {
	if programmerPath == "" {
		return nil, fmt.Errorf("--programmer is required")
	}
	if isRemoteURL(programmerPath) {
		return nil, fmt.Errorf("--programmer %q looks like a remote URL; fetching programmer images is out of scope, download it locally first", programmerPath)
	}
	image, err := programmer.Load(programmerPath)
	if err != nil {
		return nil, err
	}
	t := usbio.New()
	return qdl.Connect(t, image, firehose.DefaultConfig())
}

func isRemoteURL(path string) bool {
	return len(path) > 7 && (path[:7] == "http://" || path[:8] == "https://")
}

func cmdReset(dev *qdl.Device, args []string) error {
	return dev.Reset()
}

func cmdGetActiveSlot(dev *qdl.Device, args []string) error {
	slot, err := dev.GetActiveSlot()
	if err != nil {
		return err
	}
	fmt.Println(slot)
	return nil
}

func cmdSetActiveSlot(dev *qdl.Device, args []string) error {
	fs := flag.NewFlagSet("setactiveslot", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: setactiveslot a|b")
	}
	return dev.SetActiveSlot(fs.Arg(0))
}

func cmdGetStorageInfo(dev *qdl.Device, args []string) error {
	log, err := dev.GetStorageInfo()
	if err != nil {
		return err
	}
	if raw, ok := firehose.StorageInfoSummary(log); ok {
		var pretty map[string]any
		if json.Unmarshal([]byte(raw), &pretty) == nil {
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(out))
			return nil
		}
		fmt.Println(raw)
		return nil
	}
	for _, l := range log {
		fmt.Println(l)
	}
	return nil
}

func cmdPrintGPT(dev *qdl.Device, args []string) error {
	fs := flag.NewFlagSet("printgpt", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: printgpt LUN")
	}
	lun, err := parseInt(fs.Arg(0))
	if err != nil {
		return err
	}
	table, err := dev.GetGPT(lun, nil, firehose.DefaultConfig().SectorSizeInBytes)
	if err != nil {
		return err
	}
	fmt.Printf("disk guid: %s\n", table.Header.DiskGUID)
	fmt.Printf("%-20s %12s %12s %10s %s\n", "name", "start", "end", "a/b", "type guid")
	for _, e := range table.Entries {
		if !e.Present() {
			continue
		}
		ab := gpt.DecodeAB(e.Attributes)
		fmt.Printf("%-20s %12d %12d %10v %s\n", e.Name, e.StartingLba, e.EndingLba, ab, e.TypeGUID)
	}
	return nil
}

func cmdRepairGPT(dev *qdl.Device, args []string) error {
	fs := flag.NewFlagSet("repairgpt", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: repairgpt LUN IMAGE")
	}
	lun, err := parseInt(fs.Arg(0))
	if err != nil {
		return err
	}
	blob, err := os.ReadFile(fs.Arg(1))
	if err != nil {
		return err
	}
	return dev.RepairGPT(lun, blob)
}

func cmdErase(dev *qdl.Device, args []string) error {
	fs := flag.NewFlagSet("erase", flag.ExitOnError)
	lun := fs.Int("lun", 0, "lun to erase in its entirety; ignored if a partition name is given")
	fs.Parse(args)
	if fs.NArg() == 1 {
		return dev.EraseNamedPartition(fs.Arg(0))
	}
	return dev.EraseLun(*lun, []string{"mbr", "gpt", "persist"})
}

func cmdFlash(dev *qdl.Device, args []string) error {
	fs := flag.NewFlagSet("flash", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: flash PARTITION IMAGE")
	}
	name := fs.Arg(0)
	blob, err := os.ReadFile(fs.Arg(1))
	if err != nil {
		return err
	}
	return dev.FlashBlob(name, blob, func(cur, max int64) {
		qlog.Progress(name+" ", cur, max, "bytes")
	})
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	return n, nil
}
