package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCSRFMiddleware_SafeMethodIssuesCookie(t *testing.T) {
	handler := NewCSRFMiddleware(CSRFConfig{CookieSecure: true})(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/orders/o1", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == "csrf-token" {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("expected csrf-token cookie")
	}
	if len(cookie.Value) != 64 || cookie.HttpOnly || !cookie.Secure || cookie.SameSite != http.SameSiteStrictMode {
		t.Errorf("cookie = %+v", cookie)
	}
}

func TestCSRFMiddleware_SafeMethodKeepsExistingCookie(t *testing.T) {
	handler := NewCSRFMiddleware(CSRFConfig{})(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "csrf-token", Value: "existing"})
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if len(w.Result().Cookies()) != 0 {
		t.Error("existing token should not be replaced")
	}
}

func TestCSRFMiddleware_StateChangingMethods(t *testing.T) {
	tests := []struct {
		name       string
		cookie     string
		header     string
		wantStatus int
	}{
		{"一致", "tok", "tok", http.StatusOK},
		{"Cookieなし", "", "tok", http.StatusForbidden},
		{"ヘッダーなし", "tok", "", http.StatusForbidden},
		{"不一致", "tok", "other", http.StatusForbidden},
	}
	for _, tt := range tests {
		for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
			t.Run(tt.name+"/"+method, func(t *testing.T) {
				handler := NewCSRFMiddleware(CSRFConfig{})(okHandler())
				req := httptest.NewRequest(method, "/api/orders", strings.NewReader("{}"))
				if tt.cookie != "" {
					req.AddCookie(&http.Cookie{Name: "csrf-token", Value: tt.cookie})
				}
				if tt.header != "" {
					req.Header.Set("X-CSRF-Token", tt.header)
				}
				w := httptest.NewRecorder()

				handler.ServeHTTP(w, req)

				if w.Code != tt.wantStatus {
					t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
				}
				if tt.wantStatus == http.StatusForbidden {
					if body := decodeError(t, w); body.Code != "CSRF_FAILED" {
						t.Errorf("code = %q", body.Code)
					}
				}
			})
		}
	}
}

func TestCSRFTokenHandler(t *testing.T) {
	handler := NewCSRFTokenHandler(CSRFConfig{})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if body.Token == "" || len(w.Result().Cookies()) != 1 || w.Result().Cookies()[0].Value != body.Token {
		t.Errorf("token = %q, cookies = %v", body.Token, w.Result().Cookies())
	}

	req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
	req.AddCookie(&http.Cookie{Name: "csrf-token", Value: "existing"})
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if body.Token != "existing" {
		t.Errorf("token = %q, want existing", body.Token)
	}
}
