package playback

import (
	"fmt"
	"hash/fnv"
	"sync"
)

// Identity derives the stable dedup key for a voice response: a hash of the
// response text plus its length, falling back to the audio URL when text is
// blank. Returns "" when neither is available (such responses cannot be
// deduplicated and are always played).
func Identity(text, audioURL string) string {
	if text != "" {
		h := fnv.New64a()
		h.Write([]byte(text))
		return fmt.Sprintf("%x_%d", h.Sum64(), len(text))
	}
	if audioURL != "" {
		h := fnv.New64a()
		h.Write([]byte(audioURL))
		return fmt.Sprintf("u%x", h.Sum64())
	}
	return ""
}

// Ledger tracks response identities that have been played or are currently
// in flight, so duplicate deliveries of the same response are dropped rather
// than queued or restarted.
//
// The ledger is written from both the network-receive path and the
// playback-completion path; all methods are safe for concurrent use.
type Ledger struct {
	mu        sync.Mutex
	completed map[string]struct{}
	inFlight  string
}

// NewLedger creates an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{completed: make(map[string]struct{})}
}

// Begin attempts to claim id as the in-flight playback. It returns false —
// and leaves the ledger unchanged — when id has already completed or is the
// current in-flight identity (a duplicate delivery). An empty id is always
// admitted and never tracked.
func (l *Ledger) Begin(id string) bool {
	if id == "" {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, done := l.completed[id]; done {
		return false
	}
	if l.inFlight == id {
		return false
	}
	l.inFlight = id
	return true
}

// Complete moves id from in-flight to the completed set.
func (l *Ledger) Complete(id string) {
	if id == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completed[id] = struct{}{}
	if l.inFlight == id {
		l.inFlight = ""
	}
}

// Fail clears the in-flight identity without marking it completed, so a
// retried identical request is not wrongly treated as a duplicate.
func (l *Ledger) Fail(id string) {
	if id == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight == id {
		l.inFlight = ""
	}
}

// Reset clears all tracked identities. Called on session teardown and when a
// new session is joined.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completed = make(map[string]struct{})
	l.inFlight = ""
}

// Size returns the number of completed identities, for logging.
func (l *Ledger) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.completed)
}
