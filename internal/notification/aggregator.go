package notification

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/hitoshi/poflow/internal/docstore"
	"github.com/hitoshi/poflow/internal/model"
	"github.com/hitoshi/poflow/internal/stream"
)

// 購読チャネル名
const (
	ChannelUser = "user"
	ChannelRole = "role"
)

// Aggregator は宛先ごとの通知購読を1つのフィードにまとめる。
//
// チャネルごとに最新の結果を保持し、いずれかのチャネルが更新されるたびに全体を再計算する。
// 全チャネルが1回以上結果を返すまでは通知しない。
type Aggregator struct {
	store   docstore.Store
	metrics Metrics
	logger  *slog.Logger
}

// NewAggregator はAggregatorを生成する。
func NewAggregator(store docstore.Store, logger *slog.Logger) *Aggregator {
	return &Aggregator{store: store, logger: logger}
}

// WithMetrics は購読数の記録先を設定する。
func (a *Aggregator) WithMetrics(m Metrics) *Aggregator {
	a.metrics = m
	return a
}

// Channels はロールに対して開くチャネルを返す。uid宛ては常に、ロール宛ては対象ロールのみ。
func Channels(role model.Role) []string {
	if role.ReceivesBroadcast() {
		return []string{ChannelUser, ChannelRole}
	}
	return []string{ChannelUser}
}

// Subscribe は identity と role に届く通知の購読を開始する。
//
// cb には重複を除き createdAt の降順（同時刻は到着順）に並べた全件が渡される。
// いずれかのチャネルが失敗した場合は全チャネルを解除して onError を1回呼ぶ。再試行はしない。
// 返される関数は全チャネルを解除する。
func (a *Aggregator) Subscribe(ident *model.Identity, role model.Role, cb func([]model.Notification), onError func(error)) (unsubscribe func()) {
	channels := Channels(role)
	j := &join{
		channels: channels,
		latest:   make(map[string][]model.Notification, len(channels)),
		arrival:  make(map[string]uint64),
		logger:   a.logger,
	}
	j.out = stream.NewQueue(func(ev joinEvent) {
		if ev.err != nil {
			if onError != nil {
				onError(ev.err)
			}
			j.out.Close()
			return
		}
		cb(ev.items)
	})

	queries := map[string]docstore.Query{
		ChannelUser: {
			Collection: Collection,
			Filters:    []docstore.Filter{docstore.Where("toUserUid", ident.UID)},
			OrderBy:    "createdAt",
			Descending: true,
		},
		ChannelRole: {
			Collection: Collection,
			Filters:    []docstore.Filter{docstore.Where("toRole", string(role))},
			OrderBy:    "createdAt",
			Descending: true,
		},
	}

	j.mu.Lock()
	for _, ch := range channels {
		name := ch
		unsub := a.store.SubscribeQuery(queries[name],
			func(snaps []*docstore.Snapshot) { j.update(name, snaps) },
			func(err error) { j.fail(name, err) },
		)
		j.unsubs = append(j.unsubs, unsub)
	}
	j.mu.Unlock()

	if a.metrics != nil {
		a.metrics.AddLiveFeeds(1)
	}
	a.logger.Debug("notification feed subscribed",
		slog.String("uid", ident.UID),
		slog.String("role", string(role)),
		slog.Int("channels", len(channels)),
	)

	var once sync.Once
	return func() {
		once.Do(func() {
			j.teardown()
			if a.metrics != nil {
				a.metrics.AddLiveFeeds(-1)
			}
		})
	}
}

type joinEvent struct {
	items []model.Notification
	err   error
}

// join はチャネルごとの最新値を保持するファンイン。
type join struct {
	mu       sync.Mutex
	channels []string
	latest   map[string][]model.Notification
	unsubs   []docstore.Unsubscribe
	closed   bool

	// arrival は通知IDごとの初回到着順。同時刻の並びに使う
	arrival map[string]uint64
	seq     uint64

	out    *stream.Queue[joinEvent]
	logger *slog.Logger
}

func (j *join) update(channel string, snaps []*docstore.Snapshot) {
	items := make([]model.Notification, 0, len(snaps))
	for _, snap := range snaps {
		var n model.Notification
		if err := snap.DataTo(&n); err != nil {
			j.logger.Warn("skipping undecodable notification",
				slog.String("path", snap.Path),
				slog.String("error", err.Error()),
			)
			continue
		}
		items = append(items, n)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	for _, n := range items {
		if _, ok := j.arrival[n.ID]; !ok {
			j.seq++
			j.arrival[n.ID] = j.seq
		}
	}
	j.latest[channel] = items

	for _, ch := range j.channels {
		if _, ok := j.latest[ch]; !ok {
			return
		}
	}
	j.out.Push(joinEvent{items: j.mergeLocked()})
}

// mergeLocked は全チャネルの最新値の和集合を重複除去して並べる。
func (j *join) mergeLocked() []model.Notification {
	seen := make(map[string]bool)
	merged := make([]model.Notification, 0)
	for _, ch := range j.channels {
		for _, n := range j.latest[ch] {
			if seen[n.ID] {
				continue
			}
			seen[n.ID] = true
			merged = append(merged, n)
		}
	}
	sort.SliceStable(merged, func(a, b int) bool {
		if !merged[a].CreatedAt.Equal(merged[b].CreatedAt) {
			return merged[a].CreatedAt.After(merged[b].CreatedAt)
		}
		return j.arrival[merged[a].ID] < j.arrival[merged[b].ID]
	})
	return merged
}

func (j *join) fail(channel string, err error) {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	unsubs := j.unsubs
	j.unsubs = nil
	j.out.Push(joinEvent{err: &model.SubscriptionError{Source: Collection + "#" + channel, Err: err}})
	j.mu.Unlock()

	j.logger.Error("notification subscription failed",
		slog.String("channel", channel),
		slog.String("error", err.Error()),
	)
	for _, u := range unsubs {
		u()
	}
}

func (j *join) teardown() {
	j.mu.Lock()
	j.closed = true
	unsubs := j.unsubs
	j.unsubs = nil
	j.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	j.out.Close()
}
