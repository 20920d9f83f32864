package bare

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gofrs/uuid"
)

// MetaStore is the pluggable key/value interface the WebSocket
// side-channel (ws-new-meta / ws-meta) is built on. A single-process
// in-memory map, a multi-process coordinator, or a remote KV may all
// satisfy it; atomicity is required per key, not across keys.
type MetaStore interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Delete(key string) bool
	Has(key string) bool
	Keys() []string
}

// memoryMetaStore is the default MetaStore: a mutex-guarded map. The
// teacher's routing tables already favor a plain map over a cache
// library for exactly this reason — no third-party store in the pack
// expresses per-key TTL + delete-on-read without its own wrapper, so a
// wrapper is what this is.
type memoryMetaStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryMetaStore() *memoryMetaStore {
	return &memoryMetaStore{data: make(map[string]string)}
}

func (s *memoryMetaStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *memoryMetaStore) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

func (s *memoryMetaStore) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	delete(s.data, key)
	return ok
}

func (s *memoryMetaStore) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	return ok
}

func (s *memoryMetaStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}

// MetaResponse is the subset of an upstream response the meta record
// carries for a subsequent ws-meta poll.
type MetaResponse struct {
	Headers    map[string]interface{} `json:"headers"`
	Status     int                    `json:"status,omitempty"`
	StatusText string                 `json:"statusText,omitempty"`
}

// MetaValue is the JSON shape stored under a meta key.
type MetaValue struct {
	V              int           `json:"v"`
	Response       *MetaResponse `json:"response,omitempty"`
	Remote         *Remote       `json:"remote,omitempty"`
	SendHeaders    http.Header   `json:"sendHeaders,omitempty"`
	ForwardHeaders []string      `json:"forwardHeaders,omitempty"`
}

// metaRecord is the envelope persisted in the underlying MetaStore,
// timestamped so the reaper can sweep it.
type metaRecord struct {
	Expires int64     `json:"expires"`
	Value   MetaValue `json:"value"`
}

// MetaAdapter layers the Meta record lifecycle (create / mutate-once /
// consume-once / reap) on top of a raw MetaStore, matching spec §4.E and
// §6.3's JSON adapter.
type MetaAdapter struct {
	store    MetaStore
	nowFunc  func() int64
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewMetaAdapter wraps store (or a fresh in-memory store if nil) and
// starts the background reaper at metaReapInterval cadence.
func NewMetaAdapter(store MetaStore) *MetaAdapter {
	if store == nil {
		store = newMemoryMetaStore()
	}
	a := &MetaAdapter{
		store:   store,
		nowFunc: func() int64 { return time.Now().UnixMilli() },
		stopCh:  make(chan struct{}),
	}
	go a.reapLoop()
	return a
}

// NewID mints a 16-byte random hex key for a new meta record.
func NewID() string {
	id, err := uuid.NewV4()
	if err != nil {
		// uuid.NewV4 only fails if crypto/rand is exhausted, which Go's
		// runtime treats as unrecoverable anyway; fall back to the zero
		// UUID's bytes reinterpreted rather than panic the server.
		return hex.EncodeToString(make([]byte, 16))
	}
	b := id.Bytes()
	return hex.EncodeToString(b[:])
}

// Create inserts a new record for key with the given version tag,
// expiring metaTTL from now.
func (a *MetaAdapter) Create(key string, version int) {
	record := metaRecord{
		Expires: a.nowFunc() + metaTTL.Milliseconds(),
		Value:   MetaValue{V: version},
	}
	a.write(key, record)
}

// Update mutates a record's Value in place, preserving its expiry if the
// record already exists, or creating one with a fresh expiry otherwise.
// The relay calls it once after the remote handshake completes, and v2's
// ws-new-meta uses it to create the record — v1 embeds the id
// directly in the WebSocket handshake with no prior ws-new-meta call, so
// the relay must be able to upsert rather than require existence.
func (a *MetaAdapter) Update(key string, mutate func(*MetaValue)) {
	record, ok := a.read(key)
	if !ok {
		record = metaRecord{Expires: a.nowFunc() + metaTTL.Milliseconds()}
	}
	mutate(&record.Value)
	a.write(key, record)
}

// Peek reads a record's Value without consuming it, for the WebSocket
// relay to recover the remote/sendHeaders/forwardHeaders a v2 ws-new-meta
// call stored before the socket was dialed.
func (a *MetaAdapter) Peek(key string) (MetaValue, bool) {
	record, ok := a.read(key)
	if !ok {
		return MetaValue{}, false
	}
	return record.Value, true
}

// Consume reads and deletes a record, returning its Value iff the
// stored version matches wantVersion.
func (a *MetaAdapter) Consume(key string, wantVersion int) (MetaValue, bool) {
	record, ok := a.read(key)
	if !ok {
		return MetaValue{}, false
	}
	a.store.Delete(key)
	if record.Value.V != wantVersion {
		return MetaValue{}, false
	}
	return record.Value, true
}

func (a *MetaAdapter) read(key string) (metaRecord, bool) {
	raw, ok := a.store.Get(key)
	if !ok {
		return metaRecord{}, false
	}
	var record metaRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return metaRecord{}, false
	}
	return record, true
}

func (a *MetaAdapter) write(key string, record metaRecord) {
	raw, err := json.Marshal(record)
	if err != nil {
		return
	}
	a.store.Set(key, string(raw))
}

func (a *MetaAdapter) reapLoop() {
	ticker := time.NewTicker(metaReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.reapOnce()
		case <-a.stopCh:
			return
		}
	}
}

func (a *MetaAdapter) reapOnce() {
	now := a.nowFunc()
	for _, key := range a.store.Keys() {
		record, ok := a.read(key)
		if !ok {
			continue
		}
		if record.Expires < now {
			a.store.Delete(key)
		}
	}
}

// Stop ends the reaper goroutine. Safe to call more than once.
func (a *MetaAdapter) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}
