package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/poflow/internal/ids"
	"github.com/hitoshi/poflow/internal/model"
	"github.com/hitoshi/poflow/internal/stream"
)

// ChangeChannel は documents テーブルのトリガーが pg_notify に使うチャネル名。
// ペイロードは "collection/id"。
const ChangeChannel = "docstore_changes"

// Listener は変更通知の受信に使うインターフェース。*pq.Listener が満たす。
type Listener interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Close() error
}

// PostgresStore はPostgreSQLのJSONB列に文書を保存するStore実装。
// 変更はLISTEN/NOTIFYで受け取り、該当する購読を再読み込みして配信する。
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	subs map[*pgSub]struct{}
}

// pgSub は1つの購読。キューには再読み込み要求を積み、配信goroutine上で最新の内容を読み込む。
type pgSub struct {
	path     string // 文書購読の場合のみ
	query    *Query // クエリ購読の場合のみ
	queue    *stream.Queue[struct{}]
	onceStop sync.Once
}

func (p *pgSub) collection() string {
	if p.query != nil {
		return p.query.Collection
	}
	c, _, _ := SplitPath(p.path)
	return c
}

// NewPostgresStore はPostgresStoreを生成する。
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
		now:    time.Now,
		subs:   make(map[*pgSub]struct{}),
	}
}

// Get は文書を取得する。
func (s *PostgresStore) Get(ctx context.Context, path string) (*Snapshot, error) {
	collection, id, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	return s.get(ctx, s.db, collection, id, false)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) get(ctx context.Context, q queryer, collection, id string, forUpdate bool) (*Snapshot, error) {
	query := `SELECT data FROM documents WHERE collection = $1 AND id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var raw []byte
	err := q.QueryRowContext(ctx, query, collection, id).Scan(&raw)
	snap := &Snapshot{ID: id, Path: Doc(collection, id)}
	if err == sql.ErrNoRows {
		return snap, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", snap.Path, err)
	}
	if err := json.Unmarshal(raw, &snap.Data); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", snap.Path, err)
	}
	snap.Exists = true
	return snap, nil
}

// Set は文書を書き込む。
func (s *PostgresStore) Set(ctx context.Context, path string, data Data, opts ...SetOption) error {
	collection, id, err := SplitPath(path)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	norm, err := normalize(data, now)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(norm)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", path, err)
	}

	conflict := `data = EXCLUDED.data`
	if applySetOptions(opts).merge {
		conflict = `data = documents.data || EXCLUDED.data`
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (collection, id) DO UPDATE SET `+conflict+`, updated_at = EXCLUDED.updated_at`,
		collection, id, raw, now,
	)
	if err != nil {
		return fmt.Errorf("failed to set document %s: %w", path, err)
	}
	return nil
}

// Create は文書が存在しない場合のみ作成する。
func (s *PostgresStore) Create(ctx context.Context, path string, data Data) (bool, error) {
	collection, id, err := SplitPath(path)
	if err != nil {
		return false, err
	}
	now := s.now().UTC()
	norm, err := normalize(data, now)
	if err != nil {
		return false, err
	}
	raw, err := json.Marshal(norm)
	if err != nil {
		return false, fmt.Errorf("failed to encode document %s: %w", path, err)
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (collection, id) DO NOTHING`,
		collection, id, raw, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create document %s: %w", path, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to create document %s: %w", path, err)
	}
	return n == 1, nil
}

// Update は既存文書のフィールドを更新する。
// ネストしたパスを扱うため、行ロックを取って読み込み・前提条件の確認・適用・書き戻しを行う。
func (s *PostgresStore) Update(ctx context.Context, path string, data Data, preconditions ...Filter) error {
	collection, id, err := SplitPath(path)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	norm, err := normalize(data, now)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	snap, err := s.get(ctx, tx, collection, id, true)
	if err != nil {
		return err
	}
	if !snap.Exists {
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if !matches(snap.Data, preconditions) {
		return fmt.Errorf("%s: %w", path, ErrPreconditionFailed)
	}
	updated, err := applyUpdate(snap.Data, norm)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", path, err)
	}
	raw, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", path, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET data = $3, updated_at = $4 WHERE collection = $1 AND id = $2`,
		collection, id, raw, now,
	); err != nil {
		return fmt.Errorf("failed to update document %s: %w", path, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit update of %s: %w", path, err)
	}
	return nil
}

// Add はコレクションに新しいIDで文書を作成する。
func (s *PostgresStore) Add(ctx context.Context, collection string, data Data) (string, error) {
	id := ids.New()
	if _, err := s.Create(ctx, Doc(collection, id), data); err != nil {
		return "", err
	}
	return id, nil
}

// RunQuery はクエリを1回実行する。等値条件はJSONBの包含演算子でDBに渡し、並べ替えはアプリ側で行う。
func (s *PostgresStore) RunQuery(ctx context.Context, q Query) ([]*Snapshot, error) {
	cond := make(map[string]any, len(q.Filters))
	for _, f := range q.Filters {
		cond[f.Field] = f.Value
	}
	rawCond, err := json.Marshal(cond)
	if err != nil {
		return nil, fmt.Errorf("failed to encode query filters: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data FROM documents WHERE collection = $1 AND data @> $2::jsonb`,
		q.Collection, rawCond,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", q.Collection, err)
	}
	defer rows.Close()

	snaps := []*Snapshot{}
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		snap := &Snapshot{ID: id, Path: Doc(q.Collection, id), Exists: true}
		if err := json.Unmarshal(raw, &snap.Data); err != nil {
			return nil, fmt.Errorf("failed to decode document %s: %w", snap.Path, err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	sortSnapshots(snaps, q.OrderBy, q.Descending)
	return snaps, nil
}

// SubscribeDocument は文書の購読を開始する。
func (s *PostgresStore) SubscribeDocument(path string, onSnapshot func(*Snapshot), onError func(error)) Unsubscribe {
	sub := &pgSub{path: path}
	sub.queue = stream.NewQueue(func(struct{}) {
		snap, err := s.Get(context.Background(), path)
		if err != nil {
			s.fail(sub, path, err, onError)
			return
		}
		if sub.queue.Closed() {
			return
		}
		onSnapshot(snap)
	})
	s.register(sub)
	return func() { s.remove(sub) }
}

// SubscribeQuery はクエリ結果の購読を開始する。
func (s *PostgresStore) SubscribeQuery(q Query, onSnapshot func([]*Snapshot), onError func(error)) Unsubscribe {
	sub := &pgSub{query: &q}
	var last []*Snapshot
	sent := false
	sub.queue = stream.NewQueue(func(struct{}) {
		snaps, err := s.RunQuery(context.Background(), q)
		if err != nil {
			s.fail(sub, q.Collection, err, onError)
			return
		}
		if sub.queue.Closed() || (sent && snapshotsEqual(last, snaps)) {
			return
		}
		last, sent = snaps, true
		onSnapshot(snaps)
	})
	s.register(sub)
	return func() { s.remove(sub) }
}

func (s *PostgresStore) register(sub *pgSub) {
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	sub.queue.Push(struct{}{})
}

func (s *PostgresStore) remove(sub *pgSub) {
	sub.onceStop.Do(func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
		sub.queue.Close()
	})
}

func (s *PostgresStore) fail(sub *pgSub, source string, err error, onError func(error)) {
	s.remove(sub)
	s.logger.Warn("document subscription failed",
		slog.String("source", source),
		slog.String("error", err.Error()),
	)
	if onError != nil {
		onError(&model.SubscriptionError{Source: source, Err: err})
	}
}

// Listen は変更通知の受信を開始し、ctxが終了するまで該当する購読を再読み込みする。
func (s *PostgresStore) Listen(ctx context.Context, l Listener) error {
	if err := l.Listen(ChangeChannel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", ChangeChannel, err)
	}
	s.logger.Info("listening for document changes", slog.String("channel", ChangeChannel))

	for {
		select {
		case <-ctx.Done():
			return l.Close()
		case n, ok := <-l.NotificationChannel():
			if !ok {
				return nil
			}
			// 再接続直後は nil が届く。取りこぼした変更があり得るため全購読を再読み込みする。
			if n == nil {
				s.refresh(func(*pgSub) bool { return true })
				continue
			}
			collection, _, err := SplitPath(n.Extra)
			if err != nil {
				s.logger.Warn("ignoring malformed change notification", slog.String("payload", n.Extra))
				continue
			}
			path := n.Extra
			s.refresh(func(sub *pgSub) bool {
				if sub.query != nil {
					return sub.collection() == collection
				}
				return sub.path == path
			})
		}
	}
}

func (s *PostgresStore) refresh(match func(*pgSub) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		if match(sub) {
			sub.queue.Push(struct{}{})
		}
	}
}

// compile-time interface check
var _ Store = (*PostgresStore)(nil)
