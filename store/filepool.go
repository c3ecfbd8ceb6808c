package store

import (
	"container/list"
	"os"
	"sync"
)

// pooledFile is one entry in either FilePool's or ReaderPool's LRU cache.
// Both pools keep the same bookkeeping (path, handle, position in the LRU
// list); only the open mode and lock differ, so they share this type and
// the eviction helper below instead of each re-implementing the list walk.
type pooledFile struct {
	path    string
	file    *os.File
	element *list.Element
}

// evictOldestLocked drops the least-recently-used entry once the cache is
// at capacity. Caller must hold the pool's mutex.
func evictOldestLocked(files map[string]*pooledFile, lru *list.List, maxSize int) {
	if len(files) < maxSize {
		return
	}
	oldest := lru.Back()
	if oldest == nil {
		return
	}
	entry := oldest.Value.(*pooledFile)
	lru.Remove(oldest)
	delete(files, entry.path)
	entry.file.Close()
}

func normalizePoolSize(maxSize int) int {
	if maxSize <= 0 {
		return 100
	}
	return maxSize
}

// FilePool caches open write handles (append mode) across appends to the
// same stream so a high-throughput producer doesn't pay an open() syscall
// per message. Capacity-bounded with LRU eviction.
type FilePool struct {
	mu      sync.Mutex
	maxSize int
	files   map[string]*pooledFile
	lru     *list.List
}

func NewFilePool(maxSize int) *FilePool {
	return &FilePool{
		maxSize: normalizePoolSize(maxSize),
		files:   make(map[string]*pooledFile),
		lru:     list.New(),
	}
}

// GetWriter returns an open append-mode handle for path, opening and
// caching it on first use. The caller must not close the returned file;
// the pool owns its lifetime until evicted or the pool itself is closed.
func (p *FilePool) GetWriter(path string) (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.files[path]; ok {
		p.lru.MoveToFront(entry.element)
		return entry.file, nil
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	evictOldestLocked(p.files, p.lru, p.maxSize)

	entry := &pooledFile{path: path, file: file}
	entry.element = p.lru.PushFront(entry)
	p.files[path] = entry
	return file, nil
}

// Sync flushes path's handle if it is currently open; a path not in the
// pool has nothing buffered to flush, so this is a no-op rather than an error.
func (p *FilePool) Sync(path string) error {
	p.mu.Lock()
	entry, ok := p.files[path]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return entry.file.Sync()
}

// SyncAll flushes every open handle, continuing past individual failures
// and reporting the last one encountered.
func (p *FilePool) SyncAll() error {
	p.mu.Lock()
	entries := make([]*pooledFile, 0, len(p.files))
	for _, entry := range p.files {
		entries = append(entries, entry)
	}
	p.mu.Unlock()

	var lastErr error
	for _, entry := range entries {
		if err := entry.file.Sync(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Remove closes and evicts path's handle, if open.
func (p *FilePool) Remove(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.files[path]
	if !ok {
		return nil
	}
	p.lru.Remove(entry.element)
	delete(p.files, path)
	return entry.file.Close()
}

// Close closes every handle the pool currently holds open.
func (p *FilePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for path, entry := range p.files {
		if err := entry.file.Close(); err != nil {
			lastErr = err
		}
		delete(p.files, path)
	}
	p.lru.Init()
	return lastErr
}

func (p *FilePool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.files)
}

// ReaderPool caches open read handles the same way FilePool caches
// writers, kept as a distinct type (rather than one pool serving both
// roles) since a writer and a reader for the same path have independent
// lifetimes - closing one must never affect the other.
type ReaderPool struct {
	mu      sync.Mutex
	maxSize int
	files   map[string]*pooledFile
	lru     *list.List
}

func NewReaderPool(maxSize int) *ReaderPool {
	return &ReaderPool{
		maxSize: normalizePoolSize(maxSize),
		files:   make(map[string]*pooledFile),
		lru:     list.New(),
	}
}

func (p *ReaderPool) GetReader(path string) (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.files[path]; ok {
		p.lru.MoveToFront(entry.element)
		return entry.file, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	evictOldestLocked(p.files, p.lru, p.maxSize)

	entry := &pooledFile{path: path, file: file}
	entry.element = p.lru.PushFront(entry)
	p.files[path] = entry
	return file, nil
}

func (p *ReaderPool) Remove(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.files[path]
	if !ok {
		return nil
	}
	p.lru.Remove(entry.element)
	delete(p.files, path)
	return entry.file.Close()
}

func (p *ReaderPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for path, entry := range p.files {
		if err := entry.file.Close(); err != nil {
			lastErr = err
		}
		delete(p.files, path)
	}
	p.lru.Init()
	return lastErr
}
