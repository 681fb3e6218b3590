package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric は名前とラベルが一致するメトリクスを返す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return nil
}

func labelsMatch(m *dto.Metric, labels map[string]string) bool {
	if len(m.GetLabel()) != len(labels) {
		return false
	}
	for _, lp := range m.GetLabel() {
		if labels[lp.GetName()] != lp.GetValue() {
			return false
		}
	}
	return true
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordTransition_CountsByLabels は遷移種別と結果ごとに数えることを検証する。
func TestRecordTransition_CountsByLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordTransition("approve", "ok")
	c.RecordTransition("approve", "ok")
	c.RecordTransition("approve", "unauthorized")

	ok := findMetric(t, reg, "poflow_order_transitions_total", map[string]string{"transition": "approve", "outcome": "ok"})
	if v := ok.GetCounter().GetValue(); v != 2 {
		t.Errorf("approve/ok = %v, want 2", v)
	}
	denied := findMetric(t, reg, "poflow_order_transitions_total", map[string]string{"transition": "approve", "outcome": "unauthorized"})
	if v := denied.GetCounter().GetValue(); v != 1 {
		t.Errorf("approve/unauthorized = %v, want 1", v)
	}
}

// TestRecordNotification_AndWebhook は通知とWebhookのカウンタを検証する。
func TestRecordNotification_AndWebhook(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordNotification("approved", "ok")
	c.RecordWebhook("error")

	if v := findMetric(t, reg, "poflow_notifications_written_total", map[string]string{"kind": "approved", "outcome": "ok"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("notifications = %v, want 1", v)
	}
	if v := findMetric(t, reg, "poflow_notification_webhook_total", map[string]string{"outcome": "error"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("webhooks = %v, want 1", v)
	}
}

// TestAddLiveFeeds_TracksGauge は購読数のゲージが増減することを検証する。
func TestAddLiveFeeds_TracksGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.AddLiveFeeds(1)
	c.AddLiveFeeds(1)
	c.AddLiveFeeds(-1)

	if v := findMetric(t, reg, "poflow_live_notification_feeds", nil).GetGauge().GetValue(); v != 1 {
		t.Errorf("live feeds = %v, want 1", v)
	}
}

// TestRecordSessions はセッション発行と削除のカウンタを検証する。
func TestRecordSessions(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSessionIssue("ok")
	c.RecordSessionsPurged(3)
	c.RecordSessionsPurged(0)

	if v := findMetric(t, reg, "poflow_session_issue_total", map[string]string{"outcome": "ok"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("session issues = %v, want 1", v)
	}
	if v := findMetric(t, reg, "poflow_sessions_purged_total", nil).GetCounter().GetValue(); v != 3 {
		t.Errorf("sessions purged = %v, want 3", v)
	}
}

// TestRecordHTTPStatus_IncrementsCounterWithLabel はステータスコード別に記録されることを検証する。
func TestRecordHTTPStatus_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(409)

	if v := findMetric(t, reg, "poflow_http_responses_total", map[string]string{"status_code": "200"}).GetCounter().GetValue(); v != 2 {
		t.Errorf("200 = %v, want 2", v)
	}
	if v := findMetric(t, reg, "poflow_http_responses_total", map[string]string{"status_code": "409"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("409 = %v, want 1", v)
	}
}

// TestRecordRequestLatency_ObservesHistogram はヒストグラムに記録されることを検証する。
func TestRecordRequestLatency_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRequestLatency(250 * time.Millisecond)

	h := findMetric(t, reg, "poflow_http_request_duration_seconds", nil).GetHistogram()
	if h.GetSampleCount() != 1 {
		t.Errorf("sample count = %d, want 1", h.GetSampleCount())
	}
	if h.GetSampleSum() < 0.24 || h.GetSampleSum() > 0.26 {
		t.Errorf("sample sum = %v, want ~0.25", h.GetSampleSum())
	}
}

// TestMetricsHandler_ReturnsPrometheusFormat はハンドラーがPrometheus形式で返すことを検証する。
func TestMetricsHandler_ReturnsPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordTransition("advance", "ok")
	c.RecordNotification("status_changed", "ok")
	c.RecordHTTPStatus(200)

	handler := Handler(reg)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, _ := io.ReadAll(resp.Body)
	bodyStr := string(body)

	for _, metric := range []string{
		"poflow_order_transitions_total",
		"poflow_notifications_written_total",
		"poflow_http_responses_total",
		"poflow_live_notification_feeds",
	} {
		if !strings.Contains(bodyStr, metric) {
			t.Errorf("response body does not contain %q", metric)
		}
	}
}

// TestCollector_ImplementsMetricsCollectorInterface はCollectorがMetricsCollectorインターフェースを実装することを検証する。
func TestCollector_ImplementsMetricsCollectorInterface(t *testing.T) {
	reg := prometheus.NewRegistry()
	var _ MetricsCollector = NewCollector(reg)
}

// TestMultipleCollectors_IndependentRegistries は異なるレジストリで独立に動作することを検証する。
func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	c1 := NewCollector(reg1)
	c2 := NewCollector(reg2)

	c1.RecordSessionsPurged(1)
	c2.RecordSessionsPurged(2)

	if v := findMetric(t, reg1, "poflow_sessions_purged_total", nil).GetCounter().GetValue(); v != 1 {
		t.Errorf("reg1 purged = %v, want 1", v)
	}
	if v := findMetric(t, reg2, "poflow_sessions_purged_total", nil).GetCounter().GetValue(); v != 2 {
		t.Errorf("reg2 purged = %v, want 2", v)
	}
}
