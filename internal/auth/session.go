package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/poflow/internal/docstore"
	"github.com/hitoshi/poflow/internal/model"
	"github.com/hitoshi/poflow/internal/repository"
	"github.com/hitoshi/poflow/internal/stream"
)

// DefaultSessionTTL はセッションの既定の有効期間（28800秒）。
const DefaultSessionTTL = 8 * time.Hour

// TokenVerifier はIDトークンを検証する。
type TokenVerifier interface {
	VerifyToken(token string) (*model.Identity, error)
}

// IssuerConfig はSessionIssuerの設定。
type IssuerConfig struct {
	TTL time.Duration
}

// SessionInfo は有効なセッションに紐付くuidとロール。
type SessionInfo struct {
	UID       string
	Role      model.Role
	ExpiresAt time.Time
}

// SessionIssuer は検証済みのIDトークンからサーバー側セッションを発行する。
// 発行後はIDトークンを再検証せず、有効期限まで自身のストアを信頼する。
type SessionIssuer struct {
	verifier TokenVerifier
	store    docstore.Store
	sessions repository.SessionRepository
	config   IssuerConfig
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	watchers map[string]map[*stream.Queue[*model.Identity]]struct{}
}

// NewSessionIssuer はSessionIssuerを生成する。TTLが0の場合は DefaultSessionTTL を使う。
func NewSessionIssuer(
	verifier TokenVerifier,
	store docstore.Store,
	sessions repository.SessionRepository,
	config IssuerConfig,
	logger *slog.Logger,
) *SessionIssuer {
	if config.TTL <= 0 {
		config.TTL = DefaultSessionTTL
	}
	return &SessionIssuer{
		verifier: verifier,
		store:    store,
		sessions: sessions,
		config:   config,
		logger:   logger,
		now:      time.Now,
		watchers: make(map[string]map[*stream.Queue[*model.Identity]]struct{}),
	}
}

// WithClock は有効期限の計算と判定に使う時計を差し替える。
func (i *SessionIssuer) WithClock(now func() time.Time) *SessionIssuer {
	i.now = now
	return i
}

// TTL はセッションの有効期間を返す。
func (i *SessionIssuer) TTL() time.Duration {
	return i.config.TTL
}

// Issue はIDトークンを検証し、uidとロールに紐付くセッションを発行する。
// RoleRecordが存在しない場合は最下位ロールで作成する。
func (i *SessionIssuer) Issue(ctx context.Context, idToken string) (*model.Session, error) {
	ident, err := i.verifier.VerifyToken(idToken)
	if err != nil {
		i.logger.Warn("identity token rejected", slog.String("error", err.Error()))
		return nil, model.NewAuthFailedError()
	}

	if err := EnsureRoleRecord(ctx, i.store, ident); err != nil {
		return nil, err
	}
	role, err := LookupRole(ctx, i.store, ident.UID)
	if err != nil {
		return nil, err
	}

	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}
	now := i.now()
	session := &model.Session{
		ID:        sessionID,
		UID:       ident.UID,
		Role:      role,
		IssuedAt:  now,
		ExpiresAt: now.Add(i.config.TTL),
	}
	if err := i.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	i.logger.Info("session issued",
		slog.String("uid", session.UID),
		slog.String("role", string(session.Role)),
	)
	return session, nil
}

// Validate はセッションが有効ならuidとロールを返す。未知または期限切れの場合はnilを返す。
func (i *SessionIssuer) Validate(ctx context.Context, sessionID string) (*SessionInfo, error) {
	if sessionID == "" {
		return nil, nil
	}
	session, err := i.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil || !i.now().Before(session.ExpiresAt) {
		return nil, nil
	}
	return &SessionInfo{UID: session.UID, Role: session.Role, ExpiresAt: session.ExpiresAt}, nil
}

// Revoke はセッションを直ちに削除し、そのセッションの認証状態の購読者へサインアウトを通知する。
func (i *SessionIssuer) Revoke(ctx context.Context, sessionID string) error {
	if err := i.sessions.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}

	i.mu.Lock()
	for q := range i.watchers[sessionID] {
		q.Push(nil)
	}
	i.mu.Unlock()
	return nil
}

// AuthState はセッションに紐付く認証状態の購読元を返す。
// 購読者には有効な間はアイデンティティが、失効（Revokeまたは期限切れ）時にnilが通知される。
// 失効の通知は同じプロセスで行われたRevokeに限られる。
func (i *SessionIssuer) AuthState(ctx context.Context, sessionID string) (AuthStateSource, error) {
	info, err := i.Validate(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, model.NewSessionExpiredError()
	}

	ident := &model.Identity{UID: info.UID}
	rec, err := LookupRoleRecord(ctx, i.store, info.UID)
	if err != nil && !model.HasCode(err, model.ErrCodeNotFound) {
		return nil, err
	}
	if rec != nil {
		ident.Email = rec.Email
		ident.DisplayName = rec.DisplayName
	}
	return &sessionAuthState{issuer: i, sessionID: sessionID, identity: ident, expiresAt: info.ExpiresAt}, nil
}

type sessionAuthState struct {
	issuer    *SessionIssuer
	sessionID string
	identity  *model.Identity
	expiresAt time.Time
}

func (s *sessionAuthState) SubscribeAuthState(cb func(*model.Identity)) func() {
	i := s.issuer
	q := stream.NewQueue(cb)

	i.mu.Lock()
	if i.watchers[s.sessionID] == nil {
		i.watchers[s.sessionID] = make(map[*stream.Queue[*model.Identity]]struct{})
	}
	i.watchers[s.sessionID][q] = struct{}{}
	ident := *s.identity
	q.Push(&ident)
	i.mu.Unlock()

	timer := time.AfterFunc(s.expiresAt.Sub(i.now()), func() { q.Push(nil) })

	var once sync.Once
	return func() {
		once.Do(func() {
			timer.Stop()
			i.mu.Lock()
			delete(i.watchers[s.sessionID], q)
			if len(i.watchers[s.sessionID]) == 0 {
				delete(i.watchers, s.sessionID)
			}
			i.mu.Unlock()
			q.Close()
		})
	}
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
