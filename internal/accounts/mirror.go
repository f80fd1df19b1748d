package accounts

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Mirror is the optional §4.1/§6.3 durable mirror: a best-effort,
// debounced write-through of accounts/sessions to Redis under the
// namespaces accounts, sessions and accounts:by-username. It is never
// authoritative — SQLite is — and its failures are logged, never
// propagated to the caller.
type Mirror struct {
	rdb    *redis.Client
	prefix string
	log    *zap.SugaredLogger

	mu      sync.Mutex
	pending map[string]func(context.Context) error
	timer   *time.Timer
}

// NewMirror connects to addr. Connectivity isn't verified here — a
// transient outage at boot shouldn't crash the server, since the mirror is
// optional by design.
func NewMirror(addr, prefix string, log *zap.SugaredLogger) *Mirror {
	return &Mirror{
		rdb:     redis.NewClient(&redis.Options{Addr: addr}),
		prefix:  prefix,
		log:     log,
		pending: make(map[string]func(context.Context) error),
	}
}

func (m *Mirror) key(namespace, id string) string {
	return fmt.Sprintf("%s:%s:%s", m.prefix, namespace, id)
}

// debounce schedules fn to run ~1s from now, coalescing repeated writes to
// the same key per §4.1 ("debounced, ~1s after last mutation").
func (m *Mirror) debounce(dedupeKey string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending[dedupeKey] = fn
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(time.Second, m.flush)
}

func (m *Mirror) flush() {
	m.mu.Lock()
	jobs := m.pending
	m.pending = make(map[string]func(context.Context) error)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, fn := range jobs {
		if err := fn(ctx); err != nil {
			m.log.Warnw("redis mirror write failed", "error", err)
		}
	}
}

func (m *Mirror) PutAccount(a *Account) {
	snapshot := a.Public()
	m.debounce("account:"+a.ID, func(ctx context.Context) error {
		data, err := json.Marshal(snapshot)
		if err != nil {
			return err
		}
		if err := m.rdb.Set(ctx, m.key("accounts", a.ID), data, 0).Err(); err != nil {
			return err
		}
		return m.rdb.Set(ctx, m.key("accounts:by-username", a.Username), a.ID, 0).Err()
	})
}

func (m *Mirror) PutSession(s *Session) {
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		return
	}
	m.debounce("session:"+s.Token, func(ctx context.Context) error {
		data, err := json.Marshal(s)
		if err != nil {
			return err
		}
		return m.rdb.Set(ctx, m.key("sessions", s.Token), data, ttl).Err()
	})
}

func (m *Mirror) DeleteSession(token string) {
	m.debounce("session-del:"+token, func(ctx context.Context) error {
		return m.rdb.Del(ctx, m.key("sessions", token)).Err()
	})
}

func (s *Store) mirrorAccount(a *Account) {
	if s.mirror != nil {
		s.mirror.PutAccount(a)
	}
}

func (s *Store) mirrorSession(sess *Session) {
	if s.mirror != nil {
		s.mirror.PutSession(sess)
	}
}

func (s *Store) unmirrorSession(token string) {
	if s.mirror != nil {
		s.mirror.DeleteSession(token)
	}
}
