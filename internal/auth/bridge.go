package auth

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hitoshi/poflow/internal/docstore"
	"github.com/hitoshi/poflow/internal/model"
)

// AuthStateSource は認証状態の購読を提供する。
// 購読開始時に現在の状態を、以後変化のたびに新しい状態を通知する。サインアウト時はnil。
type AuthStateSource interface {
	SubscribeAuthState(cb func(*model.Identity)) (unsubscribe func())
}

// RoleBridge は認証状態とuidごとのRoleRecordを1つの Resolution の流れにまとめる。
type RoleBridge struct {
	source AuthStateSource
	store  docstore.Store
	logger *slog.Logger
}

// NewRoleBridge はRoleBridgeを生成する。
func NewRoleBridge(source AuthStateSource, store docstore.Store, logger *slog.Logger) *RoleBridge {
	return &RoleBridge{source: source, store: store, logger: logger}
}

// Subscribe は解決結果の購読を開始する。
//
// アイデンティティが現れるとそのRoleRecordを購読し、スナップショットのたびに Resolved を通知する。
// RoleRecordが存在しなければ作成を1回だけ試み、作成中はロールなしの通知を行わない。
// アイデンティティが変わるときは、新しい購読を始める前に必ず古いロール購読を解除する。
// ロール購読が失敗した場合は Err を設定した Unresolved を通知し、再試行はしない。
//
// 返される関数で全ての購読を解除する。実行中のコールバックは完了まで走ることがある。
func (b *RoleBridge) Subscribe(cb func(Resolution)) (unsubscribe func()) {
	s := &bridgeSession{bridge: b, cb: cb}
	authUnsub := b.source.SubscribeAuthState(s.onAuthState)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.closed = true
			roleUnsub := s.roleUnsub
			s.roleUnsub = nil
			s.mu.Unlock()

			if roleUnsub != nil {
				roleUnsub()
			}
			authUnsub()
		})
	}
}

// bridgeSession は1回のSubscribeに対応する状態。
// ロール購読は常に高々1つで、gen が現在のアイデンティティの世代を表す。
type bridgeSession struct {
	bridge *RoleBridge
	cb     func(Resolution)

	// emitMu はコールバック呼び出しと世代の切り替えを直列化する
	emitMu sync.Mutex

	mu        sync.Mutex
	gen       uint64
	identity  *model.Identity
	roleUnsub docstore.Unsubscribe
	ensuring  bool
	closed    bool
}

func (s *bridgeSession) onAuthState(ident *model.Identity) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.roleUnsub != nil {
		s.roleUnsub()
		s.roleUnsub = nil
	}
	s.gen++
	gen := s.gen
	s.identity = ident
	s.ensuring = false

	if ident == nil {
		s.mu.Unlock()
		s.cb(Resolution{State: SignedOut})
		return
	}

	s.roleUnsub = s.bridge.store.SubscribeDocument(RolePath(ident.UID),
		func(snap *docstore.Snapshot) { s.onRoleSnapshot(gen, ident, snap) },
		func(err error) { s.onRoleError(gen, ident, err) },
	)
	s.mu.Unlock()
}

func (s *bridgeSession) onRoleSnapshot(gen uint64, ident *model.Identity, snap *docstore.Snapshot) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	if !snap.Exists {
		if !s.ensuring {
			s.ensuring = true
			go s.ensure(gen, ident)
		}
		s.mu.Unlock()
		return
	}
	rec := DecodeRoleRecord(snap)
	s.mu.Unlock()

	s.cb(Resolution{State: Resolved, Identity: ident, Role: rec.EffectiveRole()})
}

func (s *bridgeSession) onRoleError(gen uint64, ident *model.Identity, err error) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	if s.roleUnsub != nil {
		s.roleUnsub()
		s.roleUnsub = nil
	}
	s.mu.Unlock()

	s.bridge.logger.Warn("role subscription failed",
		slog.String("uid", ident.UID),
		slog.String("error", err.Error()),
	)
	s.cb(Resolution{State: Unresolved, Identity: ident, Err: err})
}

func (s *bridgeSession) ensure(gen uint64, ident *model.Identity) {
	if err := EnsureRoleRecord(context.Background(), s.bridge.store, ident); err != nil {
		s.onRoleError(gen, ident, err)
	}
}
