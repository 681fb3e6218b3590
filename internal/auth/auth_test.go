package auth

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/poflow/internal/model"
	"github.com/hitoshi/poflow/internal/repository"
)

// --- モック定義 ---

type mockVerifier struct {
	verifyFn func(token string) (*model.Identity, error)
}

func (m *mockVerifier) VerifyToken(token string) (*model.Identity, error) {
	return m.verifyFn(token)
}

// memSessionRepo はマップで保持するSessionRepository。createFn を設定すると Create を差し替える。
type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	createFn func(ctx context.Context, session *model.Session) error
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: make(map[string]*model.Session)}
}

func (m *memSessionRepo) Create(ctx context.Context, session *model.Session) error {
	if m.createFn != nil {
		return m.createFn(ctx, session)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := *session
	m.sessions[session.ID] = &s
	return nil
}

func (m *memSessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	c := *s
	return &c, nil
}

func (m *memSessionRepo) DeleteByID(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *memSessionRepo) DeleteByUID(_ context.Context, uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.UID == uid {
			delete(m.sessions, id)
		}
	}
	return nil
}

func (m *memSessionRepo) UpdateRoleByUID(_ context.Context, uid string, role model.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.UID == uid {
			s.Role = role
		}
	}
	return nil
}

func (m *memSessionRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

// fakeAuthSource はテストから認証状態を直接流し込むAuthStateSource。
type fakeAuthSource struct {
	mu           sync.Mutex
	cb           func(*model.Identity)
	unsubscribed bool
}

func (f *fakeAuthSource) SubscribeAuthState(cb func(*model.Identity)) func() {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.unsubscribed = true
		f.mu.Unlock()
	}
}

func (f *fakeAuthSource) isUnsubscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubscribed
}

func (f *fakeAuthSource) emit(ident *model.Identity) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	cb(ident)
}

// --- compile-time interface checks ---
var _ TokenVerifier = (*mockVerifier)(nil)
var _ repository.SessionRepository = (*memSessionRepo)(nil)
var _ AuthStateSource = (*fakeAuthSource)(nil)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
