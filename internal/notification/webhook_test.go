package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/poflow/internal/model"
)

func TestWebhook_Send_PostsJSON(t *testing.T) {
	var got webhookPayload
	var contentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		contentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode error = %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	h := NewWebhook(server.URL, server.Client(), discardLogger())
	err := h.Send(context.Background(), "n1", &model.Notification{
		Title:   "発注が承認されました",
		Kind:    model.KindApproved,
		OrderID: "o1",
		OrderNo: "PO-1",
		ToRole:  model.RoleProcurement,
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if contentType != "application/json" {
		t.Errorf("Content-Type = %q", contentType)
	}
	if got.ID != "n1" || got.Kind != "approved" || got.ToRole != "procurement" || got.OrderNo != "PO-1" {
		t.Errorf("payload = %+v", got)
	}
}

func TestWebhook_Send_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	h := NewWebhook(server.URL, server.Client(), discardLogger()).WithRetry(1, 0)
	if err := h.Send(context.Background(), "n1", &model.Notification{Kind: model.KindRejected, ToUserUID: "u1"}); err == nil {
		t.Error("expected error for 502 response")
	}
}

func TestWebhook_Send_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	h := NewWebhook(url, http.DefaultClient, discardLogger()).WithRetry(2, time.Millisecond)
	if err := h.Send(context.Background(), "n1", &model.Notification{Kind: model.KindRejected, ToUserUID: "u1"}); err == nil {
		t.Error("expected error for closed server")
	}
}

func TestWebhook_Send_RetriesTransientFailures(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantCalls int32
		wantErr   bool
	}{
		{"503の後に成功", []int{503, 200}, 2, false},
		{"429が続くと上限で失敗", []int{429, 429, 429}, 3, true},
		{"400は再送しない", []int{400}, 1, true},
		{"初回成功", []int{204}, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.statuses[int(n)-1])
			}))
			defer server.Close()

			h := NewWebhook(server.URL, server.Client(), discardLogger()).WithRetry(3, time.Millisecond)
			err := h.Send(context.Background(), "n1", &model.Notification{Kind: model.KindSubmitted, ToRole: model.RoleSupervisor})

			if (err != nil) != tt.wantErr {
				t.Errorf("Send() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := atomic.LoadInt32(&calls); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestWebhook_Send_StopsRetryOnCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	h := NewWebhook(server.URL, server.Client(), discardLogger()).WithRetry(5, time.Hour)

	done := make(chan error, 1)
	go func() {
		done <- h.Send(ctx, "n1", &model.Notification{Kind: model.KindSubmitted, ToRole: model.RoleSupervisor})
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return after cancel")
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, 1600 * time.Millisecond},
		{5, 2 * time.Second},
		{20, 2 * time.Second},
	}

	for _, tt := range tests {
		if got := backoff(defaultBaseDelay, tt.failures); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   deliveryResult
	}{
		{200, deliveryOK},
		{204, deliveryOK},
		{301, deliveryDrop},
		{400, deliveryDrop},
		{404, deliveryDrop},
		{429, deliveryRetry},
		{500, deliveryRetry},
		{502, deliveryRetry},
	}

	for _, tt := range tests {
		if got := classifyStatus(tt.status); got != tt.want {
			t.Errorf("classifyStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}
