package identity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hitoshi/poflow/internal/model"
	"github.com/hitoshi/poflow/internal/stream"
)

// ErrSignedOut はサインインしていない状態でトークンを要求した場合に返される。
var ErrSignedOut = errors.New("not signed in")

// Client はサインイン中の利用者1人分の認証状態を保持する。
// 状態の変化（サインイン、サインアウト、トークン期限切れ、プロフィール更新）は
// SubscribeAuthState の購読者へ順番に通知される。
type Client struct {
	provider *Provider

	mu      sync.Mutex
	current *model.Identity
	token   string
	expiry  *time.Timer
	subs    map[*stream.Queue[*model.Identity]]struct{}
}

// NewClient はサインアウト状態のClientを生成する。
func NewClient(provider *Provider) *Client {
	return &Client{
		provider: provider,
		subs:     make(map[*stream.Queue[*model.Identity]]struct{}),
	}
}

// SignUp はアカウントを作成してサインインする。
func (c *Client) SignUp(ctx context.Context, email, password, displayName string) error {
	ident, token, err := c.provider.SignUp(ctx, email, password, displayName)
	if err != nil {
		return err
	}
	return c.setSignedIn(ident, token)
}

// SignIn はサインインする。
func (c *Client) SignIn(ctx context.Context, email, password string) error {
	ident, token, err := c.provider.SignIn(ctx, email, password)
	if err != nil {
		return err
	}
	return c.setSignedIn(ident, token)
}

// SignOut はサインアウトする。既にサインアウトしている場合は何もしない。
func (c *Client) SignOut() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return
	}
	c.clearLocked()
	c.publishLocked()
}

// UpdateProfile はプロフィールを更新し、購読者へ新しいアイデンティティを通知する。
func (c *Client) UpdateProfile(ctx context.Context, update ProfileUpdate) error {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur == nil {
		return ErrSignedOut
	}
	ident, token, err := c.provider.UpdateProfile(ctx, cur.UID, update)
	if err != nil {
		return err
	}
	return c.setSignedIn(ident, token)
}

// IDToken は現在のIDトークンを返す。
func (c *Client) IDToken() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return "", ErrSignedOut
	}
	return c.token, nil
}

// CurrentIdentity は現在のアイデンティティを返す。サインアウト中はnil。
func (c *Client) CurrentIdentity() *model.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	ident := *c.current
	return &ident
}

// SubscribeAuthState は認証状態の購読を開始する。
// 最初に現在の状態を通知し、以後変化のたびに通知する。サインアウト時はnil。
func (c *Client) SubscribeAuthState(cb func(*model.Identity)) func() {
	q := stream.NewQueue(cb)

	c.mu.Lock()
	c.subs[q] = struct{}{}
	q.Push(c.snapshotLocked())
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, q)
			c.mu.Unlock()
			q.Close()
		})
	}
}

func (c *Client) setSignedIn(ident *model.Identity, token string) error {
	exp, err := c.provider.ExpiresAt(token)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
	c.current = ident
	c.token = token

	// トークンの期限切れはサインアウトと同様に扱う
	c.expiry = time.AfterFunc(exp.Sub(c.provider.now()), func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.token != token {
			return
		}
		c.clearLocked()
		c.publishLocked()
	})
	c.publishLocked()
	return nil
}

func (c *Client) clearLocked() {
	if c.expiry != nil {
		c.expiry.Stop()
		c.expiry = nil
	}
	c.current = nil
	c.token = ""
}

func (c *Client) snapshotLocked() *model.Identity {
	if c.current == nil {
		return nil
	}
	ident := *c.current
	return &ident
}

func (c *Client) publishLocked() {
	for q := range c.subs {
		q.Push(c.snapshotLocked())
	}
}
