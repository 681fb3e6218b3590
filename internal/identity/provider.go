// Package identity はメールアドレスとパスワードによる認証とIDトークンの発行・検証を提供する。
//
// Provider はサーバー側の認証局として振る舞い、Client はサインイン中の利用者1人分の
// 認証状態を保持して購読者へ通知する。
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/poflow/internal/docstore"
	"github.com/hitoshi/poflow/internal/ids"
	"github.com/hitoshi/poflow/internal/model"
)

const (
	accountsCollection = "accounts"
	emailsCollection   = "accountEmails"

	minPasswordLength = 8
)

// Sanitizer は表示名からマークアップを除去する。
type Sanitizer interface {
	Sanitize(text string) string
}

// Claims はIDトークンのクレーム。
type Claims struct {
	Email       string `json:"email"`
	DisplayName string `json:"name"`
	jwt.RegisteredClaims
}

// ProviderConfig はProviderの設定値を保持する。
type ProviderConfig struct {
	Secret   []byte        // HMAC署名鍵（トークン検証の信頼点）
	Issuer   string        // iss クレーム
	TokenTTL time.Duration // IDトークンの有効期間
}

// Provider はアカウントの作成・認証とIDトークンの発行・検証を行う。
type Provider struct {
	store     docstore.Store
	sanitizer Sanitizer
	config    ProviderConfig
	now       func() time.Time
}

// NewProvider はProviderを生成する。
func NewProvider(store docstore.Store, sanitizer Sanitizer, config ProviderConfig) *Provider {
	return &Provider{
		store:     store,
		sanitizer: sanitizer,
		config:    config,
		now:       time.Now,
	}
}

// WithClock はトークン発行・検証に使う時計を差し替える。
func (p *Provider) WithClock(now func() time.Time) *Provider {
	p.now = now
	return p
}

type account struct {
	UID          string `json:"id"`
	Email        string `json:"email"`
	DisplayName  string `json:"displayName"`
	PasswordHash string `json:"passwordHash"`
}

func (a *account) identity() *model.Identity {
	return &model.Identity{UID: a.UID, Email: a.Email, DisplayName: a.DisplayName}
}

// ProfileUpdate はプロフィール更新の内容。nilのフィールドは変更しない。
type ProfileUpdate struct {
	Email       *string
	DisplayName *string
}

// SignUp はアカウントを作成し、IDトークンを返す。
// メールアドレスが登録済みの場合はバリデーションエラーを返す。
func (p *Provider) SignUp(ctx context.Context, email, password, displayName string) (*model.Identity, string, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, "", err
	}
	if len(password) < minPasswordLength {
		return nil, "", model.NewValidationError(fmt.Sprintf("パスワードは%d文字以上にしてください", minPasswordLength))
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash password: %w", err)
	}

	uid := ids.New()
	claimed, err := p.store.Create(ctx, docstore.Doc(emailsCollection, email), docstore.Data{"uid": uid})
	if err != nil {
		return nil, "", fmt.Errorf("failed to reserve email: %w", err)
	}
	if !claimed {
		return nil, "", model.NewValidationError("このメールアドレスは既に登録されています")
	}

	acct := &account{
		UID:          uid,
		Email:        email,
		DisplayName:  p.sanitizer.Sanitize(displayName),
		PasswordHash: string(hash),
	}
	if err := p.store.Set(ctx, docstore.Doc(accountsCollection, uid), docstore.Data{
		"email":        acct.Email,
		"displayName":  acct.DisplayName,
		"passwordHash": acct.PasswordHash,
		"createdAt":    docstore.ServerTimestamp,
	}); err != nil {
		return nil, "", fmt.Errorf("failed to create account: %w", err)
	}

	token, err := p.mint(acct)
	if err != nil {
		return nil, "", err
	}
	slog.Info("account created", slog.String("uid", uid))
	return acct.identity(), token, nil
}

// SignIn はメールアドレスとパスワードを検証し、IDトークンを返す。
// 失敗理由（未登録かパスワード不一致か）は区別せずに認証エラーを返す。
func (p *Provider) SignIn(ctx context.Context, email, password string) (*model.Identity, string, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, "", model.NewAuthFailedError()
	}
	acct, err := p.findByEmail(ctx, email)
	if err != nil {
		return nil, "", err
	}
	if acct == nil {
		return nil, "", model.NewAuthFailedError()
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		return nil, "", model.NewAuthFailedError()
	}

	token, err := p.mint(acct)
	if err != nil {
		return nil, "", err
	}
	return acct.identity(), token, nil
}

// UpdateProfile は表示名またはメールアドレスを更新し、新しいクレームを持つIDトークンを返す。
func (p *Provider) UpdateProfile(ctx context.Context, uid string, update ProfileUpdate) (*model.Identity, string, error) {
	acct, err := p.findByUID(ctx, uid)
	if err != nil {
		return nil, "", err
	}
	if acct == nil {
		return nil, "", model.NewNotFoundError("account", uid)
	}

	fields := docstore.Data{"updatedAt": docstore.ServerTimestamp}
	if update.DisplayName != nil {
		acct.DisplayName = p.sanitizer.Sanitize(*update.DisplayName)
		fields["displayName"] = acct.DisplayName
	}
	if update.Email != nil {
		email, err := normalizeEmail(*update.Email)
		if err != nil {
			return nil, "", err
		}
		if email != acct.Email {
			claimed, err := p.store.Create(ctx, docstore.Doc(emailsCollection, email), docstore.Data{"uid": uid})
			if err != nil {
				return nil, "", fmt.Errorf("failed to reserve email: %w", err)
			}
			if !claimed {
				return nil, "", model.NewValidationError("このメールアドレスは既に登録されています")
			}
			// TODO: 旧メールアドレスの予約を解放する（Storeに削除操作を追加した後）
			acct.Email = email
			fields["email"] = email
		}
	}

	if err := p.store.Update(ctx, docstore.Doc(accountsCollection, uid), fields); err != nil {
		return nil, "", fmt.Errorf("failed to update profile: %w", err)
	}
	token, err := p.mint(acct)
	if err != nil {
		return nil, "", err
	}
	return acct.identity(), token, nil
}

// VerifyToken はIDトークンの署名と有効期限を検証し、アイデンティティを返す。
func (p *Provider) VerifyToken(token string) (*model.Identity, error) {
	claims, err := p.parse(token)
	if err != nil {
		return nil, err
	}
	return &model.Identity{UID: claims.Subject, Email: claims.Email, DisplayName: claims.DisplayName}, nil
}

// ExpiresAt はIDトークンの有効期限を返す。
func (p *Provider) ExpiresAt(token string) (time.Time, error) {
	claims, err := p.parse(token)
	if err != nil {
		return time.Time{}, err
	}
	return claims.ExpiresAt.Time, nil
}

func (p *Provider) parse(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return p.config.Secret, nil
	},
		jwt.WithIssuer(p.config.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", errInvalidToken)
	}
	return claims, nil
}

var errInvalidToken = errors.New("invalid identity token")

// IsInvalidToken はトークン検証の失敗かどうかを返す。
func IsInvalidToken(err error) bool {
	return errors.Is(err, errInvalidToken)
}

func (p *Provider) mint(acct *account) (string, error) {
	now := p.now()
	claims := Claims{
		Email:       acct.Email,
		DisplayName: acct.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   acct.UID,
			Issuer:    p.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.config.TokenTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.config.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign identity token: %w", err)
	}
	return signed, nil
}

func (p *Provider) findByEmail(ctx context.Context, email string) (*account, error) {
	snap, err := p.store.Get(ctx, docstore.Doc(emailsCollection, email))
	if err != nil {
		return nil, fmt.Errorf("failed to find account by email: %w", err)
	}
	if !snap.Exists {
		return nil, nil
	}
	uid, _ := snap.Data["uid"].(string)
	return p.findByUID(ctx, uid)
}

func (p *Provider) findByUID(ctx context.Context, uid string) (*account, error) {
	snap, err := p.store.Get(ctx, docstore.Doc(accountsCollection, uid))
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if !snap.Exists {
		return nil, nil
	}
	acct := &account{}
	if err := snap.DataTo(acct); err != nil {
		return nil, err
	}
	return acct, nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", model.NewValidationError("メールアドレスの形式が正しくありません")
	}
	return email, nil
}
