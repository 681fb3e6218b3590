package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/poflow/internal/auth"
	"github.com/hitoshi/poflow/internal/identity"
	"github.com/hitoshi/poflow/internal/middleware"
	"github.com/hitoshi/poflow/internal/model"
	"github.com/hitoshi/poflow/internal/order"
)

// --- モック定義 ---

// mockSessionService はSessionServiceInterfaceのモック実装。
// 既定では "sess-<role>" というセッションIDを uid "uid-<role>" のそのロールとして扱う。
type mockSessionService struct {
	issueFn     func(ctx context.Context, idToken string) (*model.Session, error)
	revokeFn    func(ctx context.Context, sessionID string) error
	authStateFn func(ctx context.Context, sessionID string) (auth.AuthStateSource, error)
	validateFn  func(ctx context.Context, sessionID string) (*auth.SessionInfo, error)
}

func (m *mockSessionService) Issue(ctx context.Context, idToken string) (*model.Session, error) {
	if m.issueFn != nil {
		return m.issueFn(ctx, idToken)
	}
	return nil, nil
}

func (m *mockSessionService) Revoke(ctx context.Context, sessionID string) error {
	if m.revokeFn != nil {
		return m.revokeFn(ctx, sessionID)
	}
	return nil
}

func (m *mockSessionService) AuthState(ctx context.Context, sessionID string) (auth.AuthStateSource, error) {
	if m.authStateFn != nil {
		return m.authStateFn(ctx, sessionID)
	}
	return nil, model.NewSessionExpiredError()
}

func (m *mockSessionService) Validate(ctx context.Context, sessionID string) (*auth.SessionInfo, error) {
	if m.validateFn != nil {
		return m.validateFn(ctx, sessionID)
	}
	role, ok := strings.CutPrefix(sessionID, "sess-")
	if !ok {
		return nil, nil
	}
	return &auth.SessionInfo{UID: "uid-" + role, Role: model.Role(role), ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (m *mockSessionService) TTL() time.Duration {
	return auth.DefaultSessionTTL
}

// mockIdentityService はIdentityServiceInterfaceのモック実装。
type mockIdentityService struct {
	signUpFn        func(ctx context.Context, email, password, displayName string) (*model.Identity, string, error)
	signInFn        func(ctx context.Context, email, password string) (*model.Identity, string, error)
	updateProfileFn func(ctx context.Context, uid string, update identity.ProfileUpdate) (*model.Identity, string, error)
}

func (m *mockIdentityService) SignUp(ctx context.Context, email, password, displayName string) (*model.Identity, string, error) {
	if m.signUpFn != nil {
		return m.signUpFn(ctx, email, password, displayName)
	}
	return nil, "", nil
}

func (m *mockIdentityService) SignIn(ctx context.Context, email, password string) (*model.Identity, string, error) {
	if m.signInFn != nil {
		return m.signInFn(ctx, email, password)
	}
	return nil, "", nil
}

func (m *mockIdentityService) UpdateProfile(ctx context.Context, uid string, update identity.ProfileUpdate) (*model.Identity, string, error) {
	if m.updateProfileFn != nil {
		return m.updateProfileFn(ctx, uid, update)
	}
	return nil, "", nil
}

// mockOrderService はOrderServiceInterfaceのモック実装。
type mockOrderService struct {
	createFn      func(ctx context.Context, actorUID string, draft order.Draft) (*model.Order, error)
	getFn         func(ctx context.Context, orderID string) (*model.Order, error)
	approveFn     func(ctx context.Context, o *model.Order, actorUID string) (*model.Order, error)
	rejectFn      func(ctx context.Context, o *model.Order, actorUID, reason string) (*model.Order, error)
	advanceFn     func(ctx context.Context, o *model.Order, next model.OrderStatus, actorUID string) (*model.Order, error)
	dispositionFn func(ctx context.Context, o *model.Order, index int, category, itemStatus, actorUID string) (*model.Order, error)
}

func (m *mockOrderService) Create(ctx context.Context, actorUID string, draft order.Draft) (*model.Order, error) {
	if m.createFn != nil {
		return m.createFn(ctx, actorUID, draft)
	}
	return nil, nil
}

func (m *mockOrderService) Get(ctx context.Context, orderID string) (*model.Order, error) {
	if m.getFn != nil {
		return m.getFn(ctx, orderID)
	}
	return &model.Order{ID: orderID, Status: model.StatusPending}, nil
}

func (m *mockOrderService) Approve(ctx context.Context, o *model.Order, actorUID string) (*model.Order, error) {
	if m.approveFn != nil {
		return m.approveFn(ctx, o, actorUID)
	}
	return o, nil
}

func (m *mockOrderService) Reject(ctx context.Context, o *model.Order, actorUID, reason string) (*model.Order, error) {
	if m.rejectFn != nil {
		return m.rejectFn(ctx, o, actorUID, reason)
	}
	return o, nil
}

func (m *mockOrderService) Advance(ctx context.Context, o *model.Order, next model.OrderStatus, actorUID string) (*model.Order, error) {
	if m.advanceFn != nil {
		return m.advanceFn(ctx, o, next, actorUID)
	}
	return o, nil
}

func (m *mockOrderService) SetItemDisposition(ctx context.Context, o *model.Order, index int, category, itemStatus, actorUID string) (*model.Order, error) {
	if m.dispositionFn != nil {
		return m.dispositionFn(ctx, o, index, category, itemStatus, actorUID)
	}
	return o, nil
}

// mockNotificationService はNotificationServiceInterfaceのモック実装。
type mockNotificationService struct {
	markReadFn func(ctx context.Context, actorUID string, actorRole model.Role, id string) error
}

func (m *mockNotificationService) MarkRead(ctx context.Context, actorUID string, actorRole model.Role, id string) error {
	if m.markReadFn != nil {
		return m.markReadFn(ctx, actorUID, actorRole, id)
	}
	return nil
}

// mockUserService はUserServiceInterfaceのモック実装。
type mockUserService struct {
	listUsersFn  func(ctx context.Context, actorUID string) ([]*model.RoleRecord, error)
	assignRoleFn func(ctx context.Context, actorUID, targetUID string, role model.Role) (*model.RoleRecord, error)
}

func (m *mockUserService) ListUsers(ctx context.Context, actorUID string) ([]*model.RoleRecord, error) {
	if m.listUsersFn != nil {
		return m.listUsersFn(ctx, actorUID)
	}
	return nil, nil
}

func (m *mockUserService) AssignRole(ctx context.Context, actorUID, targetUID string, role model.Role) (*model.RoleRecord, error) {
	if m.assignRoleFn != nil {
		return m.assignRoleFn(ctx, actorUID, targetUID, role)
	}
	return nil, nil
}

// mockSessionMetrics はSessionMetricsのモック実装。
type mockSessionMetrics struct {
	mu       sync.Mutex
	outcomes []string
}

func (m *mockSessionMetrics) RecordSessionIssue(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

// mockHealthChecker はHealthCheckerのモック実装。
type mockHealthChecker struct {
	pingFn func(ctx context.Context) error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error {
	if m.pingFn != nil {
		return m.pingFn(ctx)
	}
	return nil
}

var (
	_ SessionServiceInterface      = (*mockSessionService)(nil)
	_ IdentityServiceInterface     = (*mockIdentityService)(nil)
	_ OrderServiceInterface        = (*mockOrderService)(nil)
	_ NotificationServiceInterface = (*mockNotificationService)(nil)
	_ UserServiceInterface         = (*mockUserService)(nil)
)

// --- テストヘルパー ---

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestDeps は全サービスをモックにしたRouterDepsを返す。
func newTestDeps() *RouterDeps {
	return &RouterDeps{
		Logger:              discardLogger(),
		CORSAllowedOrigin:   "http://localhost:3000",
		IdentityService:     &mockIdentityService{},
		SessionService:      &mockSessionService{},
		OrderService:        &mockOrderService{},
		NotificationService: &mockNotificationService{},
		UserService:         &mockUserService{},
	}
}

// doRequest はルーターにリクエストを送る。role が空でなければそのロールのセッションCookieを付ける。
func doRequest(t *testing.T, h http.Handler, method, path string, body any, role model.Role) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if role != "" {
		req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: "sess-" + string(role)})
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// doRequestRaw は未認証でボディをそのまま送る。
func doRequestRaw(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[middleware.ErrorResponseBody](t, w).Code
}

var errBoom = errors.New("boom")
