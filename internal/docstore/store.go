// Package docstore は変更通知付きの文書ストアを提供する。
//
// 文書は "collection/id" 形式のパスで識別される。購読は最初に現在のスナップショットを配信し、
// 以後変更のたびに最新の全体を配信する（差分ではない）。1つの購読へのコールバックは
// ストアが発行した順に直列で呼ばれるが、異なる購読間の順序は保証しない。
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound はUpdate対象の文書が存在しない場合に返される。
var ErrNotFound = errors.New("document not found")

// ErrPreconditionFailed はUpdateの前提条件が現在の文書と一致しない場合に返される。
var ErrPreconditionFailed = errors.New("document precondition failed")

// Data は文書の内容。
type Data = map[string]any

type serverTimestamp struct{}

// ServerTimestamp は書き込み時にストアの現在時刻へ置き換えられる番兵値。
var ServerTimestamp = serverTimestamp{}

// Snapshot はある時点の文書の内容。
type Snapshot struct {
	ID     string
	Path   string
	Exists bool
	Data   Data
}

// DataTo は文書の内容を v にデコードする。"id" フィールドには文書IDが入る。
func (s *Snapshot) DataTo(v any) error {
	if !s.Exists {
		return fmt.Errorf("%s: %w", s.Path, ErrNotFound)
	}
	m := make(Data, len(s.Data)+1)
	for k, val := range s.Data {
		m[k] = val
	}
	m["id"] = s.ID
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", s.Path, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("failed to decode document %s: %w", s.Path, err)
	}
	return nil
}

// Filter は等値条件。
type Filter struct {
	Field string
	Value any
}

// Where は等値条件を生成する。
func Where(field string, value any) Filter {
	return Filter{Field: field, Value: value}
}

// Query はコレクションに対する問い合わせ。
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
	Descending bool
}

// Unsubscribe は購読を解除する。複数回呼んでも安全。
type Unsubscribe func()

// Store は文書ストアのインターフェース。
type Store interface {
	// Get は文書を取得する。存在しない場合は Exists=false のスナップショットを返す。
	Get(ctx context.Context, path string) (*Snapshot, error)
	// Set は文書を書き込む。Merge() を指定すると既存のフィールドを残して上書きする。
	Set(ctx context.Context, path string, data Data, opts ...SetOption) error
	// Create は文書が存在しない場合のみ作成し、作成したかどうかを返す。
	Create(ctx context.Context, path string, data Data) (bool, error)
	// Update は既存文書のフィールドを更新する。"a.b" 形式でネストしたマップのキーを指定できる。
	// 文書が存在しない場合は ErrNotFound を返す。preconditions を指定した場合は、書き込み時点の文書が
	// すべての等値条件を満たすときのみ更新し、満たさなければ ErrPreconditionFailed を返す。
	Update(ctx context.Context, path string, data Data, preconditions ...Filter) error
	// Add はコレクションに新しいIDで文書を作成し、そのIDを返す。
	Add(ctx context.Context, collection string, data Data) (string, error)
	// RunQuery はクエリを1回だけ実行する。
	RunQuery(ctx context.Context, q Query) ([]*Snapshot, error)

	// SubscribeDocument は文書の購読を開始する。
	// エラー発生時は onError を1回呼んで購読を終了する。
	SubscribeDocument(path string, onSnapshot func(*Snapshot), onError func(error)) Unsubscribe
	// SubscribeQuery はクエリ結果の購読を開始する。
	// エラー発生時は onError を1回呼んで購読を終了する。
	SubscribeQuery(q Query, onSnapshot func([]*Snapshot), onError func(error)) Unsubscribe
}

// SetOption はSetの挙動を変更する。
type SetOption func(*setOptions)

type setOptions struct {
	merge bool
}

// Merge は既存フィールドを保持したまま指定フィールドのみ書き込む。
func Merge() SetOption {
	return func(o *setOptions) { o.merge = true }
}

func applySetOptions(opts []SetOption) setOptions {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Doc はコレクション名とIDから文書パスを組み立てる。
func Doc(collection, id string) string {
	return collection + "/" + id
}

// SplitPath は文書パスをコレクション名とIDに分割する。
func SplitPath(path string) (collection, id string, err error) {
	i := strings.LastIndex(path, "/")
	if i <= 0 || i == len(path)-1 {
		return "", "", fmt.Errorf("invalid document path: %q", path)
	}
	return path[:i], path[i+1:], nil
}
