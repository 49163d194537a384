package websocket

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/reflex-layer/internal/config"
	"github.com/raaihank/reflex-layer/internal/injection"
	"github.com/raaihank/reflex-layer/internal/logger"
	"github.com/raaihank/reflex-layer/internal/pipeline"
	"github.com/raaihank/reflex-layer/internal/ratelimit"
)

func testConfig() config.WebSocketConfig {
	cfg := config.GetDefaults().WebSocket
	cfg.Username = "admin"
	cfg.Password = "s3cret"
	return cfg
}

func startHub(t *testing.T, cfg config.WebSocketConfig) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(cfg, nil, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, user, pass string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if user != "" {
		header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(user+":"+pass)))
	}
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return websocket.DefaultDialer.Dial(url, header)
}

func connect(t *testing.T, hub *Hub, srv *httptest.Server, want int64) *websocket.Conn {
	t.Helper()
	conn, _, err := dial(t, srv, "admin", "s3cret")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		return hub.Stats().ActiveConnections == want
	}, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event map[string]any
	require.NoError(t, conn.ReadJSON(&event))
	return event
}

func verdictRecord() pipeline.Record {
	return pipeline.Record{
		Kind:                pipeline.RecordVerdict,
		RequestID:           "req-42",
		Timestamp:           time.Now().UTC(),
		Action:              pipeline.ActionBlock,
		RiskTier:            pipeline.RiskCritical,
		InjectionCount:      2,
		InjectionCategories: []string{"direct_prompt_extraction", "ignore_previous_instructions"},
		HighestSeverity:     injection.SeverityCritical,
		Duration:            1500 * time.Microsecond,
	}
}

func TestHandleWebSocketAuth(t *testing.T) {
	_, srv := startHub(t, testConfig())

	_, resp, err := dial(t, srv, "", "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = dial(t, srv, "admin", "wrong")
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := dial(t, srv, "admin", "s3cret")
	require.NoError(t, err)
	conn.Close()
}

func TestNoAuthWhenUsernameUnset(t *testing.T) {
	cfg := config.GetDefaults().WebSocket
	_, srv := startHub(t, cfg)

	conn, _, err := dial(t, srv, "", "")
	require.NoError(t, err)
	conn.Close()
}

func TestPublishDeliversEvents(t *testing.T) {
	hub, srv := startHub(t, testConfig())
	conn := connect(t, hub, srv, 1)

	hub.Publish(verdictRecord())

	verdict := readEvent(t, conn)
	assert.Equal(t, string(EventTypeVerdict), verdict["type"])
	assert.Equal(t, "req-42", verdict["request_id"])
	data := verdict["data"].(map[string]any)
	assert.Equal(t, "block", data["action"])
	assert.Equal(t, "critical", data["highest_severity"])
	assert.InDelta(t, 1.5, data["processing_ms"], 1e-9)

	detection := readEvent(t, conn)
	assert.Equal(t, string(EventTypeInjectionDetection), detection["type"])
	data = detection["data"].(map[string]any)
	assert.Equal(t, true, data["blocked"])
	assert.Len(t, data["categories"], 2)
}

func TestSubscriptionFilter(t *testing.T) {
	hub, srv := startHub(t, testConfig())
	conn := connect(t, hub, srv, 1)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "subscribe",
		"data": map[string]any{
			"events": []string{"injection_detection", "rate_limited"},
			"filter": map[string]any{"categories": []string{"jailbreak_keywords"}},
		},
	}))
	// the pong proves the subscription was applied
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))
	assert.Equal(t, string(EventTypePong), readEvent(t, conn)["type"])

	hub.Publish(verdictRecord())
	hub.Publish(pipeline.Record{
		Kind:      pipeline.RecordRateLimited,
		RequestID: "req-43",
		Timestamp: time.Now().UTC(),
		RateLimit: &ratelimit.Decision{
			Dimension:  ratelimit.DimensionIP,
			RetryAfter: 6 * time.Second,
			Reason:     ratelimit.ReasonQuotaExceeded,
		},
	})

	event := readEvent(t, conn)
	assert.Equal(t, string(EventTypeRateLimited), event["type"], "verdict and filtered detection must be skipped")
	data := event["data"].(map[string]any)
	assert.Equal(t, "ip", data["dimension"])
	assert.EqualValues(t, 6000, data["retry_after_ms"])
}

func TestMaxConnections(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	hub, srv := startHub(t, cfg)
	connect(t, hub, srv, 1)

	_, resp, err := dial(t, srv, "admin", "s3cret")
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestDisconnectUpdatesStats(t *testing.T) {
	hub, srv := startHub(t, testConfig())
	conn := connect(t, hub, srv, 1)

	conn.Close()
	require.Eventually(t, func() bool {
		return hub.Stats().ActiveConnections == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), hub.Stats().TotalConnections)
}

func TestEventsFor(t *testing.T) {
	t.Run("clean verdict", func(t *testing.T) {
		events := eventsFor(pipeline.Record{Kind: pipeline.RecordVerdict, Action: pipeline.ActionPass})
		require.Len(t, events, 1)
		assert.Equal(t, EventTypeVerdict, events[0].Type)
	})

	t.Run("pii and injection", func(t *testing.T) {
		rec := verdictRecord()
		rec.PIICount = 1
		rec.PIITypes = []string{"email"}
		events := eventsFor(rec)
		require.Len(t, events, 3)
		assert.Equal(t, EventTypePIIDetection, events[2].Type)
		assert.Equal(t, PIIDetectionEvent{Types: []string{"email"}, TotalFindings: 1}, events[2].Data)
	})

	t.Run("rate limited without decision", func(t *testing.T) {
		assert.Empty(t, eventsFor(pipeline.Record{Kind: pipeline.RecordRateLimited}))
	})
}

func TestApplyEventFilter(t *testing.T) {
	high := Event{Type: EventTypeInjectionDetection, Data: InjectionDetectionEvent{
		Categories:      []string{"direct_prompt_extraction"},
		HighestSeverity: "high",
	}}
	health := Event{Type: EventTypeRequestLog, Data: RequestLogEvent{Path: "/health"}}

	tests := []struct {
		name   string
		filter EventFilter
		event  Event
		want   bool
	}{
		{"no filter", EventFilter{}, high, true},
		{"severity met", EventFilter{MinSeverity: "high"}, high, true},
		{"severity not met", EventFilter{MinSeverity: "critical"}, high, false},
		{"category match", EventFilter{Categories: []string{"direct_prompt_extraction"}}, high, true},
		{"category miss", EventFilter{Categories: []string{"jailbreak_keywords"}}, high, false},
		{"health excluded", EventFilter{ExcludeHealth: true}, health, false},
		{"health kept", EventFilter{}, health, true},
		{"clean verdict under floor", EventFilter{MinSeverity: "low"}, Event{Data: VerdictEvent{HighestSeverity: "none"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, applyEventFilter(&tt.filter, tt.event))
		})
	}
}

func TestShouldBroadcastEvent(t *testing.T) {
	cfg := testConfig()
	cfg.Events.BroadcastRateLimits = false
	hub := NewHub(cfg, nil, logger.NewNop())

	assert.True(t, hub.shouldBroadcastEvent(EventTypeVerdict))
	assert.True(t, hub.shouldBroadcastEvent(EventTypePIIDetection))
	assert.False(t, hub.shouldBroadcastEvent(EventTypeRateLimited))
	assert.False(t, hub.shouldBroadcastEvent(EventTypePong))

	cfg.Enabled = false
	assert.False(t, NewHub(cfg, nil, logger.NewNop()).shouldBroadcastEvent(EventTypeVerdict))
}

func TestCheckOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://ops.example.com"}
	hub := NewHub(cfg, nil, logger.NewNop())

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, hub.checkOrigin(r), "requests without an origin are not browsers")

	r.Header.Set("Origin", "https://ops.example.com")
	assert.True(t, hub.checkOrigin(r))

	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, hub.checkOrigin(r))
}
