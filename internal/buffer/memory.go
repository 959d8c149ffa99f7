package buffer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"orderflow/internal/models"
)

// MemoryBuffer implements Buffer in process memory with the same retention
// and consumption semantics as the Redis backend. It backs development
// setups without a Redis instance and the package tests; eviction drops
// unacknowledged records exactly like MAXLEN trimming does.
type MemoryBuffer struct {
	mu        sync.Mutex
	retention int
	seq       uint64
	streams   map[string]*memoryStream
	latest    map[string]models.Record
}

// delivered maps an entry ID to the consumer it was handed to, mirroring
// the consumer group's per-consumer pending list: a delivered entry is
// never re-read as new, and only its own consumer sees it in the backlog.
type memoryStream struct {
	entries   []Entry
	delivered map[string]string
}

// NewMemoryBuffer creates an empty buffer bounded at retention records per
// stream.
func NewMemoryBuffer(retention int) *MemoryBuffer {
	return &MemoryBuffer{
		retention: retention,
		streams:   make(map[string]*memoryStream),
		latest:    make(map[string]models.Record),
	}
}

func (b *MemoryBuffer) stream(key string) *memoryStream {
	s, ok := b.streams[key]
	if !ok {
		s = &memoryStream{delivered: make(map[string]string)}
		b.streams[key] = s
	}
	return s
}

func (b *MemoryBuffer) Append(ctx context.Context, rec models.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := rec.Key.StreamKey()
	s := b.stream(key)
	b.seq++
	s.entries = append(s.entries, Entry{
		Stream: key,
		ID:     fmt.Sprintf("%d-0", b.seq),
		Record: rec,
	})
	if b.retention > 0 && len(s.entries) > b.retention {
		for _, evicted := range s.entries[:len(s.entries)-b.retention] {
			delete(s.delivered, evicted.ID)
		}
		s.entries = s.entries[len(s.entries)-b.retention:]
	}
	return nil
}

func (b *MemoryBuffer) SetLatestBook(ctx context.Context, rec models.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest[rec.Key.StreamKey()+":latest"] = rec
	return nil
}

// LatestBook returns the most recently published book snapshot for a key.
func (b *MemoryBuffer) LatestBook(key models.BucketKey) (models.Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.latest[key.StreamKey()+":latest"]
	return rec, ok
}

func (b *MemoryBuffer) Drain(ctx context.Context) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var entries []Entry
	for _, s := range b.streams {
		entries = append(entries, s.entries...)
		s.entries = nil
		s.delivered = make(map[string]string)
	}
	return entries, nil
}

func (b *MemoryBuffer) ReadPending(ctx context.Context, consumer string, count int64, block time.Duration) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var entries []Entry
	for _, s := range b.streams {
		for _, entry := range s.entries {
			if _, seen := s.delivered[entry.ID]; seen {
				continue
			}
			s.delivered[entry.ID] = consumer
			entries = append(entries, entry)
			if count > 0 && int64(len(entries)) >= count {
				return entries, nil
			}
		}
	}
	return entries, nil
}

func (b *MemoryBuffer) ReadBacklog(ctx context.Context, consumer string) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var entries []Entry
	for _, s := range b.streams {
		for _, entry := range s.entries {
			if s.delivered[entry.ID] == consumer {
				entries = append(entries, entry)
			}
		}
	}
	return entries, nil
}

func (b *MemoryBuffer) Ack(ctx context.Context, entries ...Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, entry := range entries {
		s, ok := b.streams[entry.Stream]
		if !ok {
			continue
		}
		for i, have := range s.entries {
			if have.ID == entry.ID {
				s.entries = append(s.entries[:i], s.entries[i+1:]...)
				break
			}
		}
		delete(s.delivered, entry.ID)
	}
	return nil
}

// Len reports the number of records currently buffered for a stream.
func (b *MemoryBuffer) Len(stream string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[stream]; ok {
		return len(s.entries)
	}
	return 0
}

func (b *MemoryBuffer) Close() error {
	return nil
}
