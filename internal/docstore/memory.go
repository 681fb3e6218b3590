package docstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hitoshi/poflow/internal/ids"
	"github.com/hitoshi/poflow/internal/model"
	"github.com/hitoshi/poflow/internal/stream"
)

// MemoryStore はプロセス内で完結するStore実装。
// 単体テストとローカル実行で使用する。
type MemoryStore struct {
	mu        sync.Mutex
	now       func() time.Time
	docs      map[string]map[string]Data // collection -> id -> data
	docSubs   map[*docSub]struct{}
	querySubs map[*querySub]struct{}
}

type docSub struct {
	path     string
	queue    *stream.Queue[docEvent]
	onceStop sync.Once
}

type docEvent struct {
	snap *Snapshot
	err  error
}

type querySub struct {
	query    Query
	queue    *stream.Queue[queryEvent]
	last     []*Snapshot
	sent     bool
	onceStop sync.Once
}

type queryEvent struct {
	snaps []*Snapshot
	err   error
}

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:       time.Now,
		docs:      make(map[string]map[string]Data),
		docSubs:   make(map[*docSub]struct{}),
		querySubs: make(map[*querySub]struct{}),
	}
}

// WithClock はServerTimestampに使う時計を差し替える。
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

// Get は文書を取得する。
func (s *MemoryStore) Get(_ context.Context, path string) (*Snapshot, error) {
	collection, id, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(collection, id), nil
}

// Set は文書を書き込む。
func (s *MemoryStore) Set(_ context.Context, path string, data Data, opts ...SetOption) error {
	collection, id, err := SplitPath(path)
	if err != nil {
		return err
	}
	o := applySetOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	norm, err := normalize(data, s.now())
	if err != nil {
		return err
	}
	if o.merge {
		if existing, ok := s.docs[collection][id]; ok {
			norm = mergeData(existing, norm)
		}
	}
	s.putLocked(collection, id, norm)
	return nil
}

// Create は文書が存在しない場合のみ作成する。
func (s *MemoryStore) Create(_ context.Context, path string, data Data) (bool, error) {
	collection, id, err := SplitPath(path)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[collection][id]; ok {
		return false, nil
	}
	norm, err := normalize(data, s.now())
	if err != nil {
		return false, err
	}
	s.putLocked(collection, id, norm)
	return true, nil
}

// Update は既存文書のフィールドを更新する。
func (s *MemoryStore) Update(_ context.Context, path string, data Data, preconditions ...Filter) error {
	collection, id, err := SplitPath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.docs[collection][id]
	if !ok {
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if !matches(existing, preconditions) {
		return fmt.Errorf("%s: %w", path, ErrPreconditionFailed)
	}
	norm, err := normalize(data, s.now())
	if err != nil {
		return err
	}
	updated, err := applyUpdate(existing, norm)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", path, err)
	}
	s.putLocked(collection, id, updated)
	return nil
}

// Add はコレクションに新しいIDで文書を作成する。
func (s *MemoryStore) Add(ctx context.Context, collection string, data Data) (string, error) {
	id := ids.New()
	if _, err := s.Create(ctx, Doc(collection, id), data); err != nil {
		return "", err
	}
	return id, nil
}

// RunQuery はクエリを1回だけ実行する。
func (s *MemoryStore) RunQuery(_ context.Context, q Query) ([]*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runQueryLocked(q), nil
}

// SubscribeDocument は文書の購読を開始する。
func (s *MemoryStore) SubscribeDocument(path string, onSnapshot func(*Snapshot), onError func(error)) Unsubscribe {
	sub := &docSub{path: path}
	sub.queue = stream.NewQueue(func(ev docEvent) {
		if ev.err != nil {
			s.removeDocSub(sub)
			if onError != nil {
				onError(ev.err)
			}
			return
		}
		onSnapshot(ev.snap)
	})

	collection, id, err := SplitPath(path)
	if err != nil {
		sub.queue.Push(docEvent{err: &model.SubscriptionError{Source: path, Err: err}})
		return func() { s.removeDocSub(sub) }
	}

	s.mu.Lock()
	s.docSubs[sub] = struct{}{}
	sub.queue.Push(docEvent{snap: s.snapshotLocked(collection, id)})
	s.mu.Unlock()

	return func() { s.removeDocSub(sub) }
}

// SubscribeQuery はクエリ結果の購読を開始する。
func (s *MemoryStore) SubscribeQuery(q Query, onSnapshot func([]*Snapshot), onError func(error)) Unsubscribe {
	sub := &querySub{query: q}
	sub.queue = stream.NewQueue(func(ev queryEvent) {
		if ev.err != nil {
			s.removeQuerySub(sub)
			if onError != nil {
				onError(ev.err)
			}
			return
		}
		onSnapshot(ev.snaps)
	})

	s.mu.Lock()
	s.querySubs[sub] = struct{}{}
	snaps := s.runQueryLocked(q)
	sub.last, sub.sent = snaps, true
	sub.queue.Push(queryEvent{snaps: snaps})
	s.mu.Unlock()

	return func() { s.removeQuerySub(sub) }
}

// FailSubscriptions はパスまたはコレクションが一致する購読をエラーで終了させる。
// 権限エラーなどストア側の購読失敗を再現するために使う。
func (s *MemoryStore) FailSubscriptions(source string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.docSubs {
		if sub.path == source {
			sub.queue.Push(docEvent{err: &model.SubscriptionError{Source: source, Err: err}})
		}
	}
	for sub := range s.querySubs {
		if sub.query.Collection == source {
			sub.queue.Push(queryEvent{err: &model.SubscriptionError{Source: source, Err: err}})
		}
	}
}

// ActiveSubscriptions は現在有効な購読数を返す。
func (s *MemoryStore) ActiveSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docSubs) + len(s.querySubs)
}

func (s *MemoryStore) removeDocSub(sub *docSub) {
	sub.onceStop.Do(func() {
		s.mu.Lock()
		delete(s.docSubs, sub)
		s.mu.Unlock()
		sub.queue.Close()
	})
}

func (s *MemoryStore) removeQuerySub(sub *querySub) {
	sub.onceStop.Do(func() {
		s.mu.Lock()
		delete(s.querySubs, sub)
		s.mu.Unlock()
		sub.queue.Close()
	})
}

// putLocked は文書を保存し、該当する購読へ変更を通知する。s.mu を保持して呼ぶこと。
func (s *MemoryStore) putLocked(collection, id string, data Data) {
	if s.docs[collection] == nil {
		s.docs[collection] = make(map[string]Data)
	}
	s.docs[collection][id] = data

	path := Doc(collection, id)
	for sub := range s.docSubs {
		if sub.path != path {
			continue
		}
		sub.queue.Push(docEvent{snap: s.snapshotLocked(collection, id)})
	}
	for sub := range s.querySubs {
		if sub.query.Collection != collection {
			continue
		}
		snaps := s.runQueryLocked(sub.query)
		if sub.sent && snapshotsEqual(sub.last, snaps) {
			continue
		}
		sub.last, sub.sent = snaps, true
		sub.queue.Push(queryEvent{snaps: snaps})
	}
}

func (s *MemoryStore) snapshotLocked(collection, id string) *Snapshot {
	snap := &Snapshot{ID: id, Path: Doc(collection, id)}
	if d, ok := s.docs[collection][id]; ok {
		snap.Exists = true
		snap.Data = copyData(d)
	}
	return snap
}

func (s *MemoryStore) runQueryLocked(q Query) []*Snapshot {
	snaps := []*Snapshot{}
	for id, d := range s.docs[q.Collection] {
		if !matches(d, q.Filters) {
			continue
		}
		snaps = append(snaps, &Snapshot{ID: id, Path: Doc(q.Collection, id), Exists: true, Data: copyData(d)})
	}
	sortSnapshots(snaps, q.OrderBy, q.Descending)
	return snaps
}

// compile-time interface check
var _ Store = (*MemoryStore)(nil)
