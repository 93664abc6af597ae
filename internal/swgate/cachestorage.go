package swgate

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	n:<cache>          cacheMeta
//	e:<cache>\x00<key> CacheEntry (gob)
const (
	namePrefix  = "n:"
	entryPrefix = "e:"
	keySep      = "\x00"
)

type cacheMeta struct {
	Seq     int64
	Created int64
}

// CacheStorage holds every named cache of the gateway in one leveldb database.
// Reads go through a RAM LRU front; writes are synchronous.
type CacheStorage struct {
	db  *leveldb.DB
	ram *ramCache

	compressAbove int64

	mu    sync.Mutex
	names map[string]cacheMeta
	seq   int64

	afterDiskRead func() // test hook
}

// OpenCacheStorage opens the leveldb database at path. ramMax bounds the RAM
// front (0 disables it); bodies of at least compressAbove bytes are stored
// brotli-compressed (0 disables compression).
func OpenCacheStorage(path string, ramMax, compressAbove int64) (*CacheStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	cs := &CacheStorage{
		db:            db,
		ram:           newRAMCache(ramMax),
		compressAbove: compressAbove,
		names:         map[string]cacheMeta{},
	}
	if err := cs.loadNames(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return cs, nil
}

func (cs *CacheStorage) Close() error {
	return cs.db.Close()
}

func (cs *CacheStorage) loadNames() error {
	it := cs.db.NewIterator(util.BytesPrefix([]byte(namePrefix)), nil)
	defer it.Release()

	for it.Next() {
		name := string(bytes.TrimPrefix(it.Key(), []byte(namePrefix)))
		var meta cacheMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		cs.names[name] = meta
		if meta.Seq > cs.seq {
			cs.seq = meta.Seq
		}
	}
	return it.Error()
}

// Open returns the named cache, creating it if it does not exist.
func (cs *CacheStorage) Open(name string) (*Cache, error) {
	if err := cs.ensure(name); err != nil {
		return nil, err
	}
	return &Cache{name: name, storage: cs}, nil
}

func (cs *CacheStorage) ensure(name string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.ensureLocked(name)
}

func (cs *CacheStorage) ensureLocked(name string) error {
	if _, ok := cs.names[name]; ok {
		return nil
	}
	cs.seq++
	meta := cacheMeta{Seq: cs.seq, Created: time.Now().Unix()}
	b, err := encodeGob(meta)
	if err != nil {
		return err
	}
	if err := cs.db.Put([]byte(namePrefix+name), b, nil); err != nil {
		return fmt.Errorf("create cache %q: %w", name, err)
	}
	cs.names[name] = meta
	return nil
}

// Has reports whether a cache called name exists.
func (cs *CacheStorage) Has(name string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	_, ok := cs.names[name]
	return ok
}

// Keys lists cache names in creation order.
func (cs *CacheStorage) Keys() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]string, 0, len(cs.names))
	for n := range cs.names {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		return cs.names[out[i]].Seq < cs.names[out[j]].Seq
	})
	return out
}

// Delete removes the named cache and all of its entries. It reports whether
// the cache existed.
func (cs *CacheStorage) Delete(name string) (bool, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, ok := cs.names[name]; !ok {
		return false, nil
	}

	batch := new(leveldb.Batch)
	it := cs.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+name+keySep)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	batch.Delete([]byte(namePrefix + name))
	if err := cs.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("delete cache %q: %w", name, err)
	}
	delete(cs.names, name)
	cs.ram.DeletePrefix(name + keySep)
	return true, nil
}

// Match looks key up in every cache, oldest cache first, and returns the first
// hit.
func (cs *CacheStorage) Match(key string) (CacheEntry, bool) {
	for _, name := range cs.Keys() {
		if ent, ok := cs.get(name, key); ok {
			return ent, true
		}
	}
	return CacheEntry{}, false
}

// EntryCount is the number of entries across all caches.
func (cs *CacheStorage) EntryCount() int {
	n := 0
	it := cs.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	defer it.Release()
	for it.Next() {
		n++
	}
	return n
}

// RAMSize is the byte size currently held by the RAM front.
func (cs *CacheStorage) RAMSize() int64 { return cs.ram.TotalSize() }

func (cs *CacheStorage) get(name, key string) (CacheEntry, bool) {
	rk := name + keySep + key
	if ent, ok := cs.ram.Get(rk); ok {
		return ent.Clone(), true
	}
	seq, ok := cs.cacheSeq(name)
	if !ok {
		return CacheEntry{}, false
	}
	b, err := cs.db.Get([]byte(entryPrefix+rk), nil)
	if cs.afterDiskRead != nil {
		cs.afterDiskRead()
	}
	if err != nil {
		return CacheEntry{}, false
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false
	}
	if ent.Compressed {
		body, err := decompressBody(ent.Body)
		if err != nil {
			return CacheEntry{}, false
		}
		ent.Body = body
		ent.Compressed = false
	}
	// A Delete (and maybe a re-Open) since the read makes ent stale.
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if meta, ok := cs.names[name]; !ok || meta.Seq != seq {
		return CacheEntry{}, false
	}
	cs.ram.Put(rk, ent)
	return ent.Clone(), true
}

func (cs *CacheStorage) cacheSeq(name string) (int64, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	meta, ok := cs.names[name]
	return meta.Seq, ok
}

// prepare returns the entry as it will be served and its encoded form.
// Headers are kept as given apart from Content-Length.
func (cs *CacheStorage) prepare(ent CacheEntry) (CacheEntry, []byte, error) {
	ent = ent.Clone()
	if ent.Header == nil {
		ent.Header = make(http.Header)
	}
	ent.Header.Del("Content-Length")
	if ent.StoredAt == 0 {
		ent.StoredAt = time.Now().Unix()
	}
	ent.Compressed = false

	onDisk := ent
	if cs.compressAbove > 0 && int64(len(ent.Body)) >= cs.compressAbove {
		z, err := compressBody(ent.Body)
		if err != nil {
			return CacheEntry{}, nil, err
		}
		onDisk.Body = z
		onDisk.Compressed = true
	}
	b, err := encodeGob(onDisk)
	if err != nil {
		return CacheEntry{}, nil, err
	}
	return ent, b, nil
}

// Cache is a handle on one named cache.
type Cache struct {
	name    string
	storage *CacheStorage
}

func (c *Cache) Name() string { return c.name }

// Match returns the entry stored under key in this cache only.
func (c *Cache) Match(key string) (CacheEntry, bool) {
	return c.storage.get(c.name, key)
}

// Put stores a copy of ent under key, replacing any previous entry.
func (c *Cache) Put(key string, ent CacheEntry) error {
	return c.PutAll([]CacheItem{{Key: key, Entry: ent}})
}

// CacheItem is one key/entry pair for PutAll.
type CacheItem struct {
	Key   string
	Entry CacheEntry
}

// PutAll stores all items in one atomic write: either every item lands or
// none does.
func (c *Cache) PutAll(items []CacheItem) error {
	batch := new(leveldb.Batch)
	ready := make([]CacheItem, 0, len(items))
	for _, it := range items {
		ent, b, err := c.storage.prepare(it.Entry)
		if err != nil {
			return fmt.Errorf("encode %q: %w", it.Key, err)
		}
		batch.Put([]byte(entryPrefix+c.name+keySep+it.Key), b)
		ready = append(ready, CacheItem{Key: it.Key, Entry: ent})
	}

	// Held across the write so a concurrent Delete cannot orphan entries.
	c.storage.mu.Lock()
	defer c.storage.mu.Unlock()
	if err := c.storage.ensureLocked(c.name); err != nil {
		return err
	}
	if err := c.storage.db.Write(batch, nil); err != nil {
		return fmt.Errorf("write cache %q: %w", c.name, err)
	}
	for _, it := range ready {
		c.storage.ram.Put(c.name+keySep+it.Key, it.Entry)
	}
	return nil
}

// Keys lists the request keys stored in this cache.
func (c *Cache) Keys() []string {
	prefix := []byte(entryPrefix + c.name + keySep)
	it := c.storage.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	return out
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

func compressBody(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressBody(b []byte) ([]byte, error) {
	out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(b)))
	if err != nil {
		return nil, errors.Join(errors.New("corrupt compressed body"), err)
	}
	return out, nil
}
