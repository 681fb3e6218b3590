package identity

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/poflow/internal/docstore"
	"github.com/hitoshi/poflow/internal/model"
	"github.com/hitoshi/poflow/internal/security"
)

func newTestProvider(t *testing.T) (*Provider, *docstore.MemoryStore) {
	t.Helper()
	store := docstore.NewMemoryStore()
	p := NewProvider(store, security.NewTextSanitizer(), ProviderConfig{
		Secret:   []byte("test-secret"),
		Issuer:   "poflow-test",
		TokenTTL: time.Hour,
	})
	return p, store
}

func TestSignUp_CreatesAccountAndValidToken(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()

	ident, token, err := p.SignUp(ctx, " Taro@Example.com ", "password123", "<b>山田</b> 太郎")
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if ident.Email != "taro@example.com" {
		t.Errorf("Email = %q, want %q", ident.Email, "taro@example.com")
	}
	if ident.DisplayName != "山田 太郎" {
		t.Errorf("DisplayName = %q, want %q", ident.DisplayName, "山田 太郎")
	}

	verified, err := p.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken() error = %v", err)
	}
	if *verified != *ident {
		t.Errorf("VerifyToken() = %+v, want %+v", verified, ident)
	}
}

func TestSignUp_DuplicateEmail(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()

	if _, _, err := p.SignUp(ctx, "a@example.com", "password123", "A"); err != nil {
		t.Fatalf("first SignUp() error = %v", err)
	}
	_, _, err := p.SignUp(ctx, "A@example.com", "password456", "A2")
	if !model.HasCode(err, model.ErrCodeValidation) {
		t.Errorf("second SignUp() error = %v, want VALIDATION_ERROR", err)
	}
}

func TestSignUp_InvalidInput(t *testing.T) {
	p, _ := newTestProvider(t)
	tests := []struct {
		name     string
		email    string
		password string
	}{
		{"メール形式不正", "not-an-email", "password123"},
		{"表示名付きアドレス", "Taro <taro@example.com>", "password123"},
		{"パスワードが短い", "a@example.com", "short"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := p.SignUp(context.Background(), tt.email, tt.password, "x")
			if !model.HasCode(err, model.ErrCodeValidation) {
				t.Errorf("SignUp() error = %v, want VALIDATION_ERROR", err)
			}
		})
	}
}

func TestSignIn(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()
	created, _, err := p.SignUp(ctx, "a@example.com", "password123", "A")
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}

	ident, token, err := p.SignIn(ctx, "A@Example.com", "password123")
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if ident.UID != created.UID || token == "" {
		t.Errorf("SignIn() = %+v, %q", ident, token)
	}

	if _, _, err := p.SignIn(ctx, "a@example.com", "wrong-password"); !model.HasCode(err, model.ErrCodeAuthFailed) {
		t.Errorf("wrong password error = %v, want AUTH_FAILED", err)
	}
	if _, _, err := p.SignIn(ctx, "nobody@example.com", "password123"); !model.HasCode(err, model.ErrCodeAuthFailed) {
		t.Errorf("unknown email error = %v, want AUTH_FAILED", err)
	}
}

func TestVerifyToken_Rejects(t *testing.T) {
	p, _ := newTestProvider(t)
	_, token, err := p.SignUp(context.Background(), "a@example.com", "password123", "A")
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}

	other := NewProvider(docstore.NewMemoryStore(), security.NewTextSanitizer(), ProviderConfig{
		Secret: []byte("other-secret"), Issuer: "poflow-test", TokenTTL: time.Hour,
	})
	if _, err := other.VerifyToken(token); !IsInvalidToken(err) {
		t.Errorf("foreign secret error = %v, want invalid token", err)
	}

	later := NewProvider(docstore.NewMemoryStore(), security.NewTextSanitizer(), p.config).
		WithClock(func() time.Time { return time.Now().Add(2 * time.Hour) })
	if _, err := later.VerifyToken(token); !IsInvalidToken(err) {
		t.Errorf("expired token error = %v, want invalid token", err)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			Issuer:    "poflow-test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	if _, err := p.VerifyToken(unsigned); !IsInvalidToken(err) {
		t.Errorf("alg=none error = %v, want invalid token", err)
	}

	if _, err := p.VerifyToken(strings.Repeat("x", 10)); !IsInvalidToken(err) {
		t.Errorf("garbage error = %v, want invalid token", err)
	}
}

func TestUpdateProfile(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()
	ident, _, err := p.SignUp(ctx, "a@example.com", "password123", "A")
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if _, _, err := p.SignUp(ctx, "taken@example.com", "password123", "T"); err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}

	name := "新しい名前"
	updated, token, err := p.UpdateProfile(ctx, ident.UID, ProfileUpdate{DisplayName: &name})
	if err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}
	if updated.DisplayName != name {
		t.Errorf("DisplayName = %q, want %q", updated.DisplayName, name)
	}
	verified, err := p.VerifyToken(token)
	if err != nil || verified.DisplayName != name {
		t.Errorf("VerifyToken() = %+v, %v", verified, err)
	}

	taken := "taken@example.com"
	if _, _, err := p.UpdateProfile(ctx, ident.UID, ProfileUpdate{Email: &taken}); !model.HasCode(err, model.ErrCodeValidation) {
		t.Errorf("UpdateProfile(taken email) error = %v, want VALIDATION_ERROR", err)
	}

	if _, _, err := p.UpdateProfile(ctx, "missing", ProfileUpdate{DisplayName: &name}); !model.HasCode(err, model.ErrCodeNotFound) {
		t.Errorf("UpdateProfile(missing) error = %v, want NOT_FOUND", err)
	}
}
