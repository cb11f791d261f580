// Package memory provides an in-process kvstore.Store implementation for
// development and tests. It generalizes infrastructure/state.MemoryBackend's
// mutex-guarded map into the richer string/counter/sorted-set/set/hash
// surface kvstore.Store requires, with per-key TTL expiry.
package memory

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/ontology-platform/request-control/infrastructure/kvstore"
)

type stringEntry struct {
	value    []byte
	expireAt time.Time // zero means no expiry
}

func (e stringEntry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && now.After(e.expireAt)
}

type zsetEntry struct {
	scores   map[string]float64
	expireAt time.Time
}

type setEntry struct {
	members  map[string]struct{}
	expireAt time.Time
}

type hashEntry struct {
	fields   map[string]string
	expireAt time.Time
}

// Store is an in-memory kvstore.Store. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	strings map[string]stringEntry
	zsets   map[string]*zsetEntry
	sets    map[string]*setEntry
	hashes  map[string]*hashEntry
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		strings: make(map[string]stringEntry),
		zsets:   make(map[string]*zsetEntry),
		sets:    make(map[string]*setEntry),
		hashes:  make(map[string]*hashEntry),
	}
}

var _ kvstore.Store = (*Store)(nil)

func ttlToExpireAt(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.strings[key]
	if !ok || entry.expired(time.Now()) {
		delete(s.strings, key)
		return nil, kvstore.ErrNotFound
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(value))
	copy(cp, value)
	s.strings[key] = stringEntry{value: cp, expireAt: ttlToExpireAt(ttl)}
	return nil
}

func (s *Store) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.strings, key)
		delete(s.zsets, key)
		delete(s.sets, key)
		delete(s.hashes, key)
	}
	return nil
}

func (s *Store) IncrBy(_ context.Context, key string, delta int64, ttlIfAbsent time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.strings[key]
	now := time.Now()
	var current int64
	if ok && !entry.expired(now) {
		current = bytesToInt64(entry.value)
	} else {
		ok = false
	}

	current += delta

	next := stringEntry{value: int64ToBytes(current)}
	if !ok {
		next.expireAt = ttlToExpireAt(ttlIfAbsent)
	} else {
		next.expireAt = entry.expireAt
	}
	s.strings[key] = next
	return current, nil
}

func (s *Store) ZAdd(_ context.Context, key, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	z := s.getOrCreateZSet(key)
	z.scores[member] = score
	return nil
}

func (s *Store) ZRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	z, ok := s.zsets[key]
	if !ok || z.expired(time.Now()) {
		return nil, nil
	}

	type scored struct {
		member string
		score  float64
	}
	matches := make([]scored, 0, len(z.scores))
	for member, score := range z.scores {
		if score >= min && score <= max {
			matches = append(matches, scored{member, score})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score == matches[j].score {
			return matches[i].member < matches[j].member
		}
		return matches[i].score < matches[j].score
	})

	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.member
	}
	return out, nil
}

func (s *Store) ZRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	z, ok := s.zsets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(z.scores, m)
	}
	return nil
}

func (s *Store) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	z, ok := s.zsets[key]
	if !ok || z.expired(time.Now()) {
		return 0, nil
	}
	return int64(len(z.scores)), nil
}

func (s *Store) SAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.getOrCreateSet(key)
	for _, m := range members {
		set.members[m] = struct{}{}
	}
	return nil
}

func (s *Store) SRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set.members, m)
	}
	return nil
}

func (s *Store) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok || set.expired(time.Now()) {
		return nil, nil
	}
	out := make([]string, 0, len(set.members))
	for m := range set.members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) SCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok || set.expired(time.Now()) {
		return 0, nil
	}
	return int64(len(set.members)), nil
}

func (s *Store) HSet(_ context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.getOrCreateHash(key)
	for k, v := range fields {
		h.fields[k] = v
	}
	return nil
}

func (s *Store) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hashes[key]
	if !ok || h.expired(time.Now()) {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(h.fields))
	for k, v := range h.fields {
		out[k] = v
	}
	return out, nil
}

func (s *Store) Scan(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	seen := make(map[string]struct{})
	var out []string

	match := func(key string) {
		if _, dup := seen[key]; dup {
			return
		}
		if ok, _ := path.Match(pattern, key); ok {
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}

	for k, e := range s.strings {
		if !e.expired(now) {
			match(k)
		}
	}
	for k, z := range s.zsets {
		if !z.expired(now) {
			match(k)
		}
	}
	for k, st := range s.sets {
		if !st.expired(now) {
			match(k)
		}
	}
	for k, h := range s.hashes {
		if !h.expired(now) {
			match(k)
		}
	}

	sort.Strings(out)
	return out, nil
}

func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expireAt := ttlToExpireAt(ttl)
	if e, ok := s.strings[key]; ok {
		e.expireAt = expireAt
		s.strings[key] = e
		return nil
	}
	if z, ok := s.zsets[key]; ok {
		z.expireAt = expireAt
		return nil
	}
	if set, ok := s.sets[key]; ok {
		set.expireAt = expireAt
		return nil
	}
	if h, ok := s.hashes[key]; ok {
		h.expireAt = expireAt
		return nil
	}
	return nil
}

// AtomicUpdate holds the store's single mutex for the duration of fn,
// emulating a server-evaluated script's atomicity guarantee for a
// single-process store.
func (s *Store) AtomicUpdate(_ context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.strings[key]
	var current []byte
	if ok && !entry.expired(time.Now()) {
		current = entry.value
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		delete(s.strings, key)
		return nil
	}

	expireAt := time.Time{}
	if ok {
		expireAt = entry.expireAt
	}
	s.strings[key] = stringEntry{value: next, expireAt: expireAt}
	return nil
}

func (s *Store) Close() error {
	return nil
}

// GC actively sweeps every map for expired entries and removes them,
// rather than waiting for the next access to notice. Needed by any tier
// backed by this store that a caller may never read again (the tiered
// cache's persistent tier, in particular): the other Get-family methods
// only evict lazily, so an unread expired key would otherwise linger in
// memory forever. Returns the number of entries removed.
func (s *Store) GC() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0

	for k, e := range s.strings {
		if e.expired(now) {
			delete(s.strings, k)
			removed++
		}
	}
	for k, z := range s.zsets {
		if z.expired(now) {
			delete(s.zsets, k)
			removed++
		}
	}
	for k, st := range s.sets {
		if st.expired(now) {
			delete(s.sets, k)
			removed++
		}
	}
	for k, h := range s.hashes {
		if h.expired(now) {
			delete(s.hashes, k)
			removed++
		}
	}
	return removed
}

func (s *Store) getOrCreateZSet(key string) *zsetEntry {
	z, ok := s.zsets[key]
	if !ok || z.expired(time.Now()) {
		z = &zsetEntry{scores: make(map[string]float64)}
		s.zsets[key] = z
	}
	return z
}

func (s *Store) getOrCreateSet(key string) *setEntry {
	set, ok := s.sets[key]
	if !ok || set.expired(time.Now()) {
		set = &setEntry{members: make(map[string]struct{})}
		s.sets[key] = set
	}
	return set
}

func (s *Store) getOrCreateHash(key string) *hashEntry {
	h, ok := s.hashes[key]
	if !ok || h.expired(time.Now()) {
		h = &hashEntry{fields: make(map[string]string)}
		s.hashes[key] = h
	}
	return h
}

func (z *zsetEntry) expired(now time.Time) bool {
	return !z.expireAt.IsZero() && now.After(z.expireAt)
}

func (e *setEntry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && now.After(e.expireAt)
}

func (h *hashEntry) expired(now time.Time) bool {
	return !h.expireAt.IsZero() && now.After(h.expireAt)
}

func int64ToBytes(v int64) []byte {
	return []byte(formatInt64(v))
}

func bytesToInt64(b []byte) int64 {
	return parseInt64(string(b))
}

func formatInt64(v int64) string {
	neg := v < 0
	if neg {
		v = -v
	}
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func parseInt64(s string) int64 {
	if s == "" {
		return 0
	}
	neg := false
	i := 0
	if s[0] == '-' {
		neg = true
		i = 1
	}
	var v int64
	for ; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			break
		}
		v = v*10 + int64(s[i]-'0')
	}
	if neg {
		v = -v
	}
	return v
}
