package notification

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/poflow/internal/docstore"
	"github.com/hitoshi/poflow/internal/model"
)

// --- モック定義 ---

type mockMirror struct {
	mu     sync.Mutex
	sent   []string
	sendFn func(ctx context.Context, id string, n *model.Notification) error
}

func (m *mockMirror) Send(ctx context.Context, id string, n *model.Notification) error {
	m.mu.Lock()
	m.sent = append(m.sent, id)
	m.mu.Unlock()
	if m.sendFn != nil {
		return m.sendFn(ctx, id, n)
	}
	return nil
}

type mockMetrics struct {
	mu            sync.Mutex
	notifications map[string]int
	webhooks      map[string]int
	liveFeeds     int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{notifications: map[string]int{}, webhooks: map[string]int{}}
}

func (m *mockMetrics) RecordNotification(kind string, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[kind+":"+outcome]++
}

func (m *mockMetrics) RecordWebhook(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks[outcome]++
}

func (m *mockMetrics) AddLiveFeeds(delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liveFeeds += delta
}

func (m *mockMetrics) live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveFeeds
}

// failingStore はAddが常に失敗するストア。
type failingStore struct {
	*docstore.MemoryStore
	err error
}

func (s *failingStore) Add(context.Context, string, docstore.Data) (string, error) {
	return "", s.err
}

// manualStore はクエリ購読のコールバックをテストから直接呼べるストア。
type manualStore struct {
	docstore.Store

	mu   sync.Mutex
	subs []*manualSub
}

type manualSub struct {
	query        docstore.Query
	onSnapshot   func([]*docstore.Snapshot)
	onError      func(error)
	unsubscribed bool
}

func (s *manualStore) SubscribeQuery(q docstore.Query, onSnapshot func([]*docstore.Snapshot), onError func(error)) docstore.Unsubscribe {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &manualSub{query: q, onSnapshot: onSnapshot, onError: onError}
	s.subs = append(s.subs, sub)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		sub.unsubscribed = true
	}
}

func (s *manualStore) sub(field string) *manualSub {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.query.Filters[0].Field == field {
			return sub
		}
	}
	return nil
}

func (s *manualStore) allUnsubscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if !sub.unsubscribed {
			return false
		}
	}
	return true
}

var _ Mirror = (*mockMirror)(nil)
var _ Metrics = (*mockMetrics)(nil)
var _ docstore.Store = (*manualStore)(nil)

// --- ヘルパー ---

var baseTime = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func snap(id string, createdAt time.Time, fields docstore.Data) *docstore.Snapshot {
	data := docstore.Data{
		"title":     "t-" + id,
		"kind":      "approved",
		"read":      false,
		"createdAt": createdAt.Format(time.RFC3339Nano),
	}
	for k, v := range fields {
		data[k] = v
	}
	return &docstore.Snapshot{ID: id, Path: docstore.Doc(Collection, id), Exists: true, Data: data}
}

func ids(items []model.Notification) []string {
	out := make([]string, len(items))
	for i, n := range items {
		out[i] = n.ID
	}
	return out
}

var errBoom = errors.New("boom")
