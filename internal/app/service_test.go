package app

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"alertflow/internal/clock"
	"alertflow/internal/config"
)

const firingPayload = `{
	"status": "firing",
	"alerts": [
		{
			"status": "firing",
			"labels": {"alertname": "HighLoad", "instance": "web-1:9100", "severity": "warning", "service": "web"},
			"annotations": {"summary": "Load is high"},
			"startsAt": "2025-06-01T10:00:00Z"
		}
	]
}`

func writeServiceConfig(t *testing.T, mattermostURL string) config.Source {
	t.Helper()
	body := fmt.Sprintf(`
[service]
mode = "single"
processing_budget_sec = 5

[log.console]
enabled = true
level = "error"
format = "json"

[queue]
partitions = 2
max_attempts = 2
retry_initial_ms = 1
retry_max_ms = 2

[notify.mattermost]
enabled = true
base_url = %q
bot_token = "token-1"
channel_id = "chan-1"
allow_update = true

[routing]
default_handler = "overview"

[[routing.rule]]
name = "load"
match = { alertname = "HighLoad" }
handler = "sysload"
`, mattermostURL)

	path := filepath.Join(t.TempDir(), "service.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return config.FromFile(path)
}

func TestServiceSingleModeEndToEnd(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var messages []string
	chat := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		messages = append(messages, string(body))
		mu.Unlock()
		fmt.Fprintf(w, `{"id":"post-%d"}`, len(messages))
	}))
	t.Cleanup(chat.Close)

	clk := &clock.FakeClock{Instant: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	service, err := NewService(writeServiceConfig(t, chat.URL), clk)
	if err != nil {
		t.Fatalf("build service: %v", err)
	}
	t.Cleanup(func() { _ = service.shutdown() })
	service.readyFlag.Store(true)

	intake := httptest.NewServer(service.httpSrv.Handler)
	t.Cleanup(intake.Close)

	resp, err := http.Post(intake.URL+"/alerts", "application/json", strings.NewReader(firingPayload))
	if err != nil {
		t.Fatalf("post alerts: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		count := len(messages)
		mu.Unlock()
		if count == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("notification never reached the chat sink")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	delivered := messages[0]
	mu.Unlock()
	if !strings.Contains(delivered, "HighLoad") {
		t.Fatalf("delivered message missing the alert name: %s", delivered)
	}
	if !strings.Contains(delivered, "chan-1") {
		t.Fatalf("delivered message missing the channel: %s", delivered)
	}

	// The same firing alert inside the window is suppressed.
	resp, err = http.Post(intake.URL+"/alerts", "application/json", strings.NewReader(firingPayload))
	if err != nil {
		t.Fatalf("second post: %v", err)
	}
	resp.Body.Close()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	count := len(messages)
	mu.Unlock()
	if count != 1 {
		t.Fatalf("suppressed repeat must not reach the sink, got %d messages", count)
	}
}

func TestServiceReadyEndpointGating(t *testing.T) {
	t.Parallel()

	chat := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"id":"post-1"}`)
	}))
	t.Cleanup(chat.Close)

	clk := &clock.FakeClock{Instant: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	service, err := NewService(writeServiceConfig(t, chat.URL), clk)
	if err != nil {
		t.Fatalf("build service: %v", err)
	}
	t.Cleanup(func() { _ = service.shutdown() })

	intake := httptest.NewServer(service.httpSrv.Handler)
	t.Cleanup(intake.Close)

	resp, err := http.Get(intake.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", resp.StatusCode)
	}

	service.readyFlag.Store(true)
	resp, err = http.Get(intake.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after ready, got %d", resp.StatusCode)
	}

	resp, err = http.Get(intake.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz must always be 200, got %d", resp.StatusCode)
	}
}

func TestParseAgentEndpoint(t *testing.T) {
	t.Parallel()

	scheme, port, err := parseAgentEndpoint("http://agents:9273")
	if err != nil || scheme != "http" || port != 9273 {
		t.Fatalf("got %s/%d/%v", scheme, port, err)
	}
	scheme, port, err = parseAgentEndpoint("https://ignored")
	if err != nil || scheme != "https" || port != defaultAgentPort {
		t.Fatalf("got %s/%d/%v", scheme, port, err)
	}
	if _, _, err := parseAgentEndpoint("://bad"); err == nil {
		t.Fatal("expected a parse error")
	}
}
