package bus

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Conn with the same semantics as the Redis
// implementation. It backs tests and single-process local runs where no
// Redis is available.
type Memory struct {
	mu      sync.Mutex
	hashes  map[string]map[string]string
	values  map[string]memoryValue
	lists   map[string][]string
	zsets   map[string]map[string]float64
	subs    map[string][]*memorySubscription
	listSig chan struct{}
}

type memoryValue struct {
	value     string
	expiresAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		hashes:  map[string]map[string]string{},
		values:  map[string]memoryValue{},
		lists:   map[string][]string{},
		zsets:   map[string]map[string]float64{},
		subs:    map[string][]*memorySubscription{},
		listSig: make(chan struct{}, 1),
	}
}

func (m *Memory) HSet(_ context.Context, key string, fields map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hashes[key]
	if !ok {
		h = map[string]string{}
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = toString(v)
	}
	return nil
}

func (m *Memory) HGet(_ context.Context, key, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hashes[key][field], nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := map[string]string{}
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) HIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hashes[key]
	if !ok {
		h = map[string]string{}
		m.hashes[key] = h
	}
	current := parseInt(h[field])
	current += delta
	h[field] = toString(current)
	return current, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := memoryValue{value: value}
	if ttl > 0 {
		v.expiresAt = time.Now().Add(ttl)
	}
	m.values[key] = v
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.values[key]
	if !ok {
		return "", nil
	}
	if !v.expiresAt.IsZero() && time.Now().After(v.expiresAt) {
		delete(m.values, key)
		return "", nil
	}
	return v.value, nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	if v, _ := m.Get(ctx, key); v != "" {
		return true, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.hashes[key]
	return ok, nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.hashes, key)
		delete(m.values, key)
		delete(m.lists, key)
		delete(m.zsets, key)
	}
	return nil
}

func (m *Memory) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	match := func(key string) {
		if ok, _ := path.Match(pattern, key); ok {
			out = append(out, key)
		}
	}
	for key := range m.hashes {
		match(key)
	}
	for key := range m.values {
		match(key)
	}
	for key, list := range m.lists {
		if len(list) > 0 {
			match(key)
		}
	}
	sort.Strings(out)
	return out, nil
}

type memorySubscription struct {
	parent   *Memory
	channels map[string]bool
	out      chan Message
	once     sync.Once
}

func (s *memorySubscription) Messages() <-chan Message {
	return s.out
}

func (s *memorySubscription) Close() error {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()

	for channel := range s.channels {
		subs := s.parent.subs[channel]
		for i, sub := range subs {
			if sub == s {
				s.parent.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	s.once.Do(func() { close(s.out) })
	return nil
}

func (m *Memory) Publish(_ context.Context, channel, payload string) error {
	m.mu.Lock()
	subs := append([]*memorySubscription(nil), m.subs[channel]...)
	m.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.out <- Message{Channel: channel, Payload: payload}:
		default:
			// Slow subscriber: drop, same as a missed pub/sub frame.
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channels ...string) Subscription {
	sub := &memorySubscription{
		parent:   m,
		channels: map[string]bool{},
		out:      make(chan Message, 64),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, channel := range channels {
		sub.channels[channel] = true
		m.subs[channel] = append(m.subs[channel], sub)
	}
	return sub
}

func (m *Memory) LPush(_ context.Context, key, payload string) error {
	m.mu.Lock()
	m.lists[key] = append([]string{payload}, m.lists[key]...)
	m.mu.Unlock()

	select {
	case m.listSig <- struct{}{}:
	default:
	}
	return nil
}

func (m *Memory) BRPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, error) {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		for _, key := range keys {
			list := m.lists[key]
			if len(list) > 0 {
				payload := list[len(list)-1]
				m.lists[key] = list[:len(list)-1]
				m.mu.Unlock()
				return key, payload, nil
			}
		}
		m.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", "", ErrNoMessage
		}

		wait := 10 * time.Millisecond
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-m.listSig:
		case <-time.After(wait):
		}
	}
}

func (m *Memory) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	z, ok := m.zsets[key]
	if !ok {
		z = map[string]float64{}
		m.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (m *Memory) PopDue(_ context.Context, key string, maxScore float64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type scored struct {
		member string
		score  float64
	}
	var due []scored
	for member, score := range m.zsets[key] {
		if score <= maxScore {
			due = append(due, scored{member, score})
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].score < due[j].score })

	out := make([]string, 0, len(due))
	for _, d := range due {
		delete(m.zsets[key], d.member)
		out = append(out, d.member)
	}
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}
