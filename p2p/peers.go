package p2p

import (
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// PeerRecord is what a node remembers about another node.
type PeerRecord struct {
	ID         string
	Addr       string
	LastSeen   time.Time
	HeightHint uint64
	Stale      bool
	Failures   int
	NextRetry  time.Time

	bo *backoff.ExponentialBackOff
}

// PeerTable tracks known peers. Records are created on discovery, refreshed
// on every successful exchange and evicted after a silence timeout. Failed
// peers are marked stale and retried on an exponential schedule.
type PeerTable struct {
	mu         sync.Mutex
	peers      map[string]*PeerRecord
	evictAfter time.Duration
	now        func() time.Time

	// InitialRetry and MaxRetry shape the reconnect backoff.
	InitialRetry time.Duration
	MaxRetry     time.Duration
}

func NewPeerTable(evictAfter time.Duration) *PeerTable {
	return &PeerTable{
		peers:        make(map[string]*PeerRecord),
		evictAfter:   evictAfter,
		now:          time.Now,
		InitialRetry: time.Second,
		MaxRetry:     2 * time.Minute,
	}
}

func (t *PeerTable) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.InitialRetry
	bo.MaxInterval = t.MaxRetry
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Upsert records a discovered peer. An empty addr keeps the known one.
func (t *PeerTable) Upsert(id, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.peers[id]
	if !ok {
		r = &PeerRecord{ID: id, LastSeen: t.now(), bo: t.newBackOff()}
		t.peers[id] = r
		plog.Debugw("peer added", "peer", id, "addr", addr)
	}
	if addr != "" {
		r.Addr = addr
	}
}

// Seen refreshes a peer after a successful exchange.
func (t *PeerTable) Seen(id string, height uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.peers[id]
	if !ok {
		r = &PeerRecord{ID: id, bo: t.newBackOff()}
		t.peers[id] = r
	}
	r.LastSeen = t.now()
	r.HeightHint = height
	r.Stale = false
	r.Failures = 0
	r.NextRetry = time.Time{}
	r.bo.Reset()
}

// Touch refreshes LastSeen only.
func (t *PeerTable) Touch(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.peers[id]; ok {
		r.LastSeen = t.now()
	}
}

// Failed marks a peer stale and returns the delay before the next attempt.
func (t *PeerTable) Failed(id string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.peers[id]
	if !ok {
		return 0
	}
	r.Stale = true
	r.Failures++
	d := r.bo.NextBackOff()
	if d == backoff.Stop {
		d = t.MaxRetry
	}
	r.NextRetry = t.now().Add(d)
	return d
}

// Due returns the peers whose retry time has passed.
func (t *PeerTable) Due() []PeerRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var out []PeerRecord
	for _, r := range t.peers {
		if !r.NextRetry.After(now) {
			out = append(out, *r)
		}
	}
	sortRecords(out)
	return out
}

// Evict drops peers silent for longer than the eviction timeout.
func (t *PeerTable) Evict() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.evictAfter <= 0 {
		return nil
	}
	cutoff := t.now().Add(-t.evictAfter)
	var gone []string
	for id, r := range t.peers {
		if r.LastSeen.Before(cutoff) {
			delete(t.peers, id)
			gone = append(gone, id)
		}
	}
	sort.Strings(gone)
	return gone
}

func (t *PeerTable) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, id)
}

func (t *PeerTable) Get(id string) (PeerRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.peers[id]
	if !ok {
		return PeerRecord{}, false
	}
	return *r, true
}

func (t *PeerTable) List() []PeerRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PeerRecord, 0, len(t.peers))
	for _, r := range t.peers {
		out = append(out, *r)
	}
	sortRecords(out)
	return out
}

func (t *PeerTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

func sortRecords(rs []PeerRecord) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })
}
