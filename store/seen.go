package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// SeenFile keeps one document per source key listing the notified item ids.
// Each document is loaded once and then served from memory. Ids are never removed.
// Keys are locked independently, so storage I/O for one key never waits on another.
type SeenFile struct {
	Blob Blob
	Dir  string // document prefix, default "seen"

	mu   sync.Mutex // guards sets only, never held across I/O
	sets map[string]*seenSet
}

type seenSet struct {
	mu  sync.Mutex
	ids map[string]struct{} // nil until loaded
}

type seenDoc struct {
	Key string   `json:"key"`
	IDs []string `json:"ids"`
}

func (s *SeenFile) docName(key string) string {
	dir := s.Dir
	if dir == "" {
		dir = "seen"
	}
	return dir + "/" + url.PathEscape(key) + ".json"
}

// lock returns the locked set for key; the caller unlocks it.
func (s *SeenFile) lock(key string) *seenSet {
	s.mu.Lock()
	set, ok := s.sets[key]
	if !ok {
		if s.sets == nil {
			s.sets = map[string]*seenSet{}
		}
		set = &seenSet{}
		s.sets[key] = set
	}
	s.mu.Unlock()
	set.mu.Lock()
	return set
}

// load fills set from its document on first use. Caller holds set.mu.
func (s *SeenFile) load(ctx context.Context, key string, set *seenSet) error {
	if set.ids != nil {
		return nil
	}
	ids := map[string]struct{}{}
	data, err := s.Blob.Read(ctx, s.docName(key))
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return err
	default:
		var doc seenDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("decode seen set %q: %w", key, err)
		}
		for _, id := range doc.IDs {
			ids[id] = struct{}{}
		}
	}
	set.ids = ids
	return nil
}

func (s *SeenFile) Has(ctx context.Context, key, id string) (bool, error) {
	set := s.lock(key)
	defer set.mu.Unlock()
	if err := s.load(ctx, key, set); err != nil {
		return false, err
	}
	_, ok := set.ids[id]
	return ok, nil
}

// Add records id and rewrites the key's document. The id stays in memory
// even when the write fails so the running process does not repeat it.
func (s *SeenFile) Add(ctx context.Context, key, id string) error {
	set := s.lock(key)
	defer set.mu.Unlock()
	if err := s.load(ctx, key, set); err != nil {
		return err
	}
	if _, ok := set.ids[id]; ok {
		return nil
	}
	set.ids[id] = struct{}{}
	doc := seenDoc{Key: key, IDs: make([]string, 0, len(set.ids))}
	for v := range set.ids {
		doc.IDs = append(doc.IDs, v)
	}
	sort.Strings(doc.IDs)
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal seen set: %w", err)
	}
	if err := s.Blob.Write(ctx, s.docName(key), data); err != nil {
		return fmt.Errorf("persist seen set %q: %w", key, err)
	}
	return nil
}

// SeenRedis keeps each source key's ids in a Redis set.
type SeenRedis struct {
	Client *redis.Client
	Prefix string // default "sprinkles:seen:"
}

func (s *SeenRedis) key(k string) string {
	if s.Prefix == "" {
		return "sprinkles:seen:" + k
	}
	return s.Prefix + k
}

func (s *SeenRedis) Has(ctx context.Context, key, id string) (bool, error) {
	ok, err := s.Client.SIsMember(ctx, s.key(key), id).Result()
	if err != nil {
		return false, fmt.Errorf("redis sismember: %w", err)
	}
	return ok, nil
}

func (s *SeenRedis) Add(ctx context.Context, key, id string) error {
	if err := s.Client.SAdd(ctx, s.key(key), id).Err(); err != nil {
		return fmt.Errorf("redis sadd: %w", err)
	}
	return nil
}
