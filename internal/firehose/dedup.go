package firehose

import (
	"strings"
	"time"

	"github.com/edltools/qdl/internal/qlog"
)

// dedup is the instance-scoped device-message accumulator (§4.6, §9):
// consecutive identical "ERROR:"/"INFO:" log lines coalesce into "last
// message repeated N times" after a 100ms debounce. There is no
// process-wide singleton, matching §9's note that this state is
// session-scoped.
type dedup struct {
	last       string
	repeats    int
	lastSeen   time.Time
}

const debounce = 100 * time.Millisecond

// feed processes one log line, forwarding it (or a coalesced "repeated N
// times" summary) to the logger.
func (d *dedup) feed(line string) {
	if !strings.HasPrefix(line, "ERROR:") && !strings.HasPrefix(line, "INFO:") {
		qlog.Debugf("firehose log: %s", line)
		return
	}
	now := time.Now()
	if line == d.last && now.Sub(d.lastSeen) < debounce {
		d.repeats++
		d.lastSeen = now
		return
	}
	d.flush()
	d.last = line
	d.repeats = 1
	d.lastSeen = now
}

// flush emits whatever message is pending before the accumulator moves on
// to a different one (or the session ends).
func (d *dedup) flush() {
	if d.last == "" {
		return
	}
	if d.repeats > 1 {
		qlog.Infof("%s (last message repeated %d times)", d.last, d.repeats)
	} else if d.last != "" {
		qlog.Infof("%s", d.last)
	}
	d.last = ""
	d.repeats = 0
}
