package offline

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// CacheStore is the persistent response store, partitioned into named generations.
// Single-key writes are atomic; concurrent writes to one key are last-writer-wins.
type CacheStore interface {
	// Lookup checks the generations named in prefer first, in order, then every
	// other generation in lexical order, and returns the first match.
	Lookup(key RequestKey, prefer ...string) (ent Entry, gen string, ok bool, err error)
	LookupIn(gen string, key RequestKey) (Entry, bool, error)
	Put(gen string, key RequestKey, ent Entry) error
	// PutAll commits every entry or none of them.
	PutAll(gen string, entries map[RequestKey]Entry) error
	Generations() ([]string, error)
	DeleteGeneration(gen string) error
}

// disk layout:
//
//	g:<generation>                  generation marker
//	e:<generation>\x00<request key> gob(Entry)
const (
	genPrefix   = "g:"
	entryPrefix = "e:"
)

type StoreOptions struct {
	RAMMax  int64 // bytes; 0 disables the RAM tier
	DiskMax int64 // bytes; 0 means unbounded
	Logger  *logrus.Logger
}

// LevelStore keeps entries in leveldb with an optional LRU RAM tier in front.
// An in-memory index of entry sizes backs the disk quota.
type LevelStore struct {
	db       *leveldb.DB
	maxBytes int64
	ram      *ramCache

	mu        sync.Mutex
	gens      map[string]struct{}
	index     map[string]int64
	totalSize int64
	// deletes counts DeleteGeneration calls. A disk read only fills the RAM
	// tier when no delete ran while it was in flight.
	deletes uint64

	warn *throttledWarner

	afterDiskRead func(gen string) // test hook
}

var _ CacheStore = (*LevelStore)(nil)

func OpenStore(path string, opts StoreOptions) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrStorage, path, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &LevelStore{
		db:       db,
		maxBytes: opts.DiskMax,
		ram:      newRAMCache(opts.RAMMax),
		gens:     map[string]struct{}{},
		index:    map[string]int64{},
		warn:     newThrottledWarner(logger.WithField("component", "store"), time.Minute),
	}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LevelStore) Close() error {
	return s.db.Close()
}

// loadIndex rebuilds generations and sizes from disk. Entries whose marker was
// lost to a crash still register their generation, so activation can reap it.
func (s *LevelStore) loadIndex() error {
	gens := map[string]struct{}{}
	idx := map[string]int64{}
	var total int64

	it := s.db.NewIterator(util.BytesPrefix([]byte(genPrefix)), nil)
	for it.Next() {
		gens[strings.TrimPrefix(string(it.Key()), genPrefix)] = struct{}{}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return fmt.Errorf("%w: scan generations: %w", ErrStorage, err)
	}

	it = s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	for it.Next() {
		k := string(it.Key())
		size := int64(len(it.Value()))
		idx[k] = size
		total += size
		if gen, _, ok := strings.Cut(strings.TrimPrefix(k, entryPrefix), "\x00"); ok {
			gens[gen] = struct{}{}
		}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return fmt.Errorf("%w: scan entries: %w", ErrStorage, err)
	}

	s.mu.Lock()
	s.gens = gens
	s.index = idx
	s.totalSize = total
	s.mu.Unlock()
	return nil
}

func entryKey(gen string, key RequestKey) string {
	return entryPrefix + gen + "\x00" + string(key)
}

func (s *LevelStore) Lookup(key RequestKey, prefer ...string) (Entry, string, bool, error) {
	for _, gen := range s.lookupOrder(prefer) {
		ent, ok, err := s.LookupIn(gen, key)
		if err != nil {
			return Entry{}, "", false, err
		}
		if ok {
			return ent, gen, true, nil
		}
	}
	return Entry{}, "", false, nil
}

func (s *LevelStore) lookupOrder(prefer []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.gens))
	seen := make(map[string]struct{}, len(prefer))
	for _, g := range prefer {
		if _, ok := s.gens[g]; !ok {
			continue
		}
		if _, dup := seen[g]; dup {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	rest := make([]string, 0, len(s.gens))
	for g := range s.gens {
		if _, ok := seen[g]; !ok {
			rest = append(rest, g)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func (s *LevelStore) LookupIn(gen string, key RequestKey) (Entry, bool, error) {
	k := entryKey(gen, key)
	if ent, ok := s.ram.Get(k); ok {
		return ent, true, nil
	}
	s.mu.Lock()
	deletes := s.deletes
	s.mu.Unlock()

	b, err := s.db.Get([]byte(k), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: get %q: %w", ErrStorage, key, err)
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, false, fmt.Errorf("%w: decode %q: %w", ErrStorage, key, err)
	}
	if xxhash.Sum64(ent.Body) != ent.Hash {
		return Entry{}, false, fmt.Errorf("%w: body checksum mismatch for %q", ErrStorage, key)
	}
	if s.afterDiskRead != nil {
		s.afterDiskRead(gen)
	}

	s.mu.Lock()
	if s.deletes == deletes {
		s.ram.Put(k, ent)
	}
	s.mu.Unlock()
	return ent, true, nil
}

func (s *LevelStore) Put(gen string, key RequestKey, ent Entry) error {
	return s.PutAll(gen, map[RequestKey]Entry{key: ent})
}

func (s *LevelStore) PutAll(gen string, entries map[RequestKey]Entry) error {
	if gen == "" || strings.ContainsRune(gen, 0) {
		return fmt.Errorf("%w: invalid generation name %q", ErrStorage, gen)
	}

	type encoded struct {
		k   string
		ent Entry
		b   []byte
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(genPrefix+gen), nil)
	items := make([]encoded, 0, len(entries))
	for key, ent := range entries {
		ent.Header = cloneHeader(ent.Header)
		ent.Hash = xxhash.Sum64(ent.Body)
		if ent.StoredAt == 0 {
			ent.StoredAt = time.Now().Unix()
		}
		b, err := encodeGob(ent)
		if err != nil {
			return fmt.Errorf("%w: encode %q: %w", ErrStorage, key, err)
		}
		k := entryKey(gen, key)
		batch.Put([]byte(k), b)
		items = append(items, encoded{k: k, ent: ent, b: b})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	total := s.totalSize
	for _, it := range items {
		total += int64(len(it.b)) - s.index[it.k]
	}
	if s.maxBytes > 0 && total > s.maxBytes {
		s.warn.Warn("quota", logrus.Fields{
			"action":     "quota_exceeded",
			"generation": gen,
			"need":       formatBytes(uint64(total)),
			"max":        formatBytes(uint64(s.maxBytes)),
		}, "storage quota exceeded")
		return fmt.Errorf("%w: generation %s would reach %d of %d bytes", ErrQuotaExceeded, gen, total, s.maxBytes)
	}

	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("%w: write generation %s: %w", ErrStorage, gen, err)
	}
	s.gens[gen] = struct{}{}
	for _, it := range items {
		s.index[it.k] = int64(len(it.b))
		s.ram.Put(it.k, it.ent)
	}
	s.totalSize = total
	return nil
}

func (s *LevelStore) Generations() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.gens))
	for g := range s.gens {
		out = append(out, g)
	}
	sort.Strings(out)
	return out, nil
}

// DeleteGeneration removes the marker and every entry of gen in one batch.
// Deleting a generation that does not exist is a no-op.
func (s *LevelStore) DeleteGeneration(gen string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := entryPrefix + gen + "\x00"
	batch := new(leveldb.Batch)
	batch.Delete([]byte(genPrefix + gen))

	var removed []string
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	for it.Next() {
		k := string(it.Key())
		batch.Delete([]byte(k))
		removed = append(removed, k)
	}
	it.Release()
	if err := it.Error(); err != nil {
		return fmt.Errorf("%w: scan generation %s: %w", ErrStorage, gen, err)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("%w: delete generation %s: %w", ErrStorage, gen, err)
	}

	for _, k := range removed {
		s.totalSize -= s.index[k]
		delete(s.index, k)
	}
	delete(s.gens, gen)
	s.deletes++
	s.ram.DeletePrefix(prefix)
	return nil
}

func (s *LevelStore) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

func (s *LevelStore) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize
}

func (s *LevelStore) RAMSize() int64 {
	return s.ram.TotalSize()
}

// ---- ram cache ----

type ramItem struct {
	key  string
	ent  Entry
	size int64
	prev *ramItem
	next *ramItem
}

type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Get(key string) (Entry, bool) {
	if c.maxBytes <= 0 {
		return Entry{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	c.moveToFront(it)
	return it.ent, true
}

func (c *ramCache) Put(key string, ent Entry) {
	if c.maxBytes <= 0 {
		return
	}
	sz := entrySize(key, ent)
	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.removeLocked(it)
	}
	if sz > c.maxBytes {
		return
	}
	for c.tail != nil && c.total+sz > c.maxBytes {
		c.removeLocked(c.tail)
	}

	it := &ramItem{key: key, ent: ent, size: sz}
	c.items[key] = it
	c.addToFront(it)
	c.total += sz
}

func (c *ramCache) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, it := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.removeLocked(it)
		}
	}
}

func (c *ramCache) removeLocked(it *ramItem) {
	c.unlink(it)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) unlink(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.unlink(it)
	c.addToFront(it)
}

func entrySize(key string, ent Entry) int64 {
	n := len(key) + len(ent.Body) + 32
	for k, vs := range ent.Header {
		n += len(k)
		for _, v := range vs {
			n += len(v)
		}
	}
	return int64(n)
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
