package respond

import (
	"sync"
	"time"
)

// dedupWindow is how long recorded msgids stay valid before the set
// is flushed wholesale.
const dedupWindow = 60 * time.Second

// MsgidDedupSet remembers which command msgids have already been
// answered, and which report msgids are our own so the responder never
// counters itself. Commands arrive duplicated because both the web and
// slicer topics carry them; a second report for the same msgid confuses
// the slicer. Rather than expiring entries individually the whole set
// is cleared once a minute, which is cheap and more than covers the
// broker's redelivery window.
type MsgidDedupSet struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	cleared time.Time
	now     func() time.Time
}

func NewMsgidDedupSet() *MsgidDedupSet {
	return &MsgidDedupSet{
		seen:    make(map[string]struct{}),
		cleared: time.Now(),
		now:     time.Now,
	}
}

// Record marks a msgid as handled.
func (d *MsgidDedupSet) Record(msgid string) {
	if msgid == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeClear()
	d.seen[msgid] = struct{}{}
}

// Seen reports whether a msgid was recorded within the current window.
func (d *MsgidDedupSet) Seen(msgid string) bool {
	if msgid == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeClear()
	_, ok := d.seen[msgid]
	return ok
}

// Len returns the number of currently tracked msgids.
func (d *MsgidDedupSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// maybeClear flushes the set once the window has elapsed. Checked on
// every access instead of running a timer goroutine.
func (d *MsgidDedupSet) maybeClear() {
	now := d.now()
	if now.Sub(d.cleared) > dedupWindow {
		d.seen = make(map[string]struct{})
		d.cleared = now
	}
}
