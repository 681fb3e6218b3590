// Package stream は購読者ごとの直列配信キューを提供する。
//
// 1つの購読に対するコールバックは投入順に1つずつ呼ばれ、重なって実行されることはない。
// 配信は専用のgoroutineで行うため、コールバック内からストアや購読の操作を行ってもよい。
package stream

import "sync"

// Queue はFIFOの直列配信キュー。
// Close後は新たな配信を開始しない（実行中の配信は完了まで走る）。
type Queue[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []T
	closed  bool
	deliver func(T)
	done    chan struct{}
}

// NewQueue は配信goroutineを起動したキューを返す。
func NewQueue[T any](deliver func(T)) *Queue[T] {
	q := &Queue[T]{
		deliver: deliver,
		done:    make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

// Push は値を末尾に追加する。Close済みの場合はfalseを返す。
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, v)
	q.cond.Signal()
	return true
}

// Close は未配信の値を破棄して配信を停止する。複数回呼んでもよい。
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	q.cond.Signal()
}

// Closed はClose済みかどうかを返す。
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Done は配信goroutineの終了時にcloseされるチャネルを返す。
func (q *Queue[T]) Done() <-chan struct{} {
	return q.done
}

func (q *Queue[T]) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		v := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		q.deliver(v)
	}
}
