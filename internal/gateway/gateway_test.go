package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/temscope/eventgw/internal/config"
)

func newTestGateway(t *testing.T, mutate func(*config.Config), opts ...Option) (*Gateway, *httptest.Server, *prometheus.Registry) {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	reg := prometheus.NewRegistry()
	g := New(cfg, append([]Option{WithRegistry(reg)}, opts...)...)
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)
	return g, srv, reg
}

func dialStream(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + StreamPath
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForSessions(t *testing.T, g *Gateway, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if g.Registry().Count() == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sessions, have %d", n, g.Registry().Count())
}

func readFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data)
}

func do(t *testing.T, method, url, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(data)
}

// counterValue sums the samples of a counter family whose labels include
// the given pairs.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			got := map[string]string{}
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue metric
				}
			}
			if m.GetCounter() != nil {
				total += m.GetCounter().GetValue()
			}
		}
	}
	return total
}

func TestRead_AcknowledgesAndBroadcasts(t *testing.T) {
	g, srv, _ := newTestGateway(t, nil)
	a := dialStream(t, srv)
	b := dialStream(t, srv)
	waitForSessions(t, g, 2)

	status, body := do(t, http.MethodGet, srv.URL+"/v1/foo", "")
	if status != http.StatusOK || body != "HTTP -GET for foo" {
		t.Fatalf("GET /v1/foo = %d %q", status, body)
	}
	for _, conn := range []*websocket.Conn{a, b} {
		if got := readFrame(t, conn); got != "WEBSOCKETEVENT-GET from foo" {
			t.Errorf("frame = %q", got)
		}
	}
}

func TestWrite_AcknowledgesAndBroadcasts(t *testing.T) {
	g, srv, _ := newTestGateway(t, nil)
	conn := dialStream(t, srv)
	waitForSessions(t, g, 1)

	status, body := do(t, http.MethodPut, srv.URL+"/v1/projection_mode", `"DIFFRACTION"`)
	if status != http.StatusOK || body != "HTTP-PUT for projection_mode" {
		t.Fatalf("PUT = %d %q", status, body)
	}
	if got := readFrame(t, conn); got != "WEBSOCKETEVENT-PUT from projection_mode" {
		t.Errorf("frame = %q", got)
	}
}

func TestRead_GreedyName(t *testing.T) {
	g, srv, _ := newTestGateway(t, nil)
	conn := dialStream(t, srv)
	waitForSessions(t, g, 1)

	status, body := do(t, http.MethodGet, srv.URL+"/v1/camera/ccd/image", "")
	if status != http.StatusOK || body != "HTTP -GET for camera/ccd/image" {
		t.Fatalf("GET = %d %q", status, body)
	}
	if got := readFrame(t, conn); got != "WEBSOCKETEVENT-GET from camera/ccd/image" {
		t.Errorf("frame = %q", got)
	}
}

func TestRead_EscapedNameIsUnescaped(t *testing.T) {
	g, srv, _ := newTestGateway(t, nil)
	conn := dialStream(t, srv)
	waitForSessions(t, g, 1)

	tests := []struct {
		path string
		want string
	}{
		{"/v1/a%20b", "a b"},
		{"/v1/a%2Fb", "a/b"},
		{"/v1/camera%2Fccd/image%20raw", "camera/ccd/image raw"},
		{"/v1/a%2520b", "a%20b"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			if got := rec.Body.String(); got != "HTTP -GET for "+tt.want {
				t.Errorf("body = %q, want %q", got, "HTTP -GET for "+tt.want)
			}
			if got := readFrame(t, conn); got != "WEBSOCKETEVENT-GET from "+tt.want {
				t.Errorf("frame = %q", got)
			}
		})
	}
}

func TestRead_EmptyName(t *testing.T) {
	_, srv, reg := newTestGateway(t, nil)

	status, _ := do(t, http.MethodGet, srv.URL+"/v1/", "")
	if status != http.StatusNotFound {
		t.Fatalf("GET /v1/ = %d, want 404", status)
	}
	if got := counterValue(t, reg, "eventgw_broadcast_events_total", nil); got != 0 {
		t.Errorf("broadcast events = %v, want 0", got)
	}
}

// The broadcast is queued for every registered session before the handler
// returns its response.
func TestRead_BroadcastHappensBeforeResponse(t *testing.T) {
	g, srv, reg := newTestGateway(t, nil)
	const clients = 3
	for i := 0; i < clients; i++ {
		dialStream(t, srv)
	}
	waitForSessions(t, g, clients)

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/foo", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := counterValue(t, reg, "eventgw_broadcast_deliveries_total", map[string]string{"result": "queued"}); got != clients {
		t.Fatalf("queued deliveries at response time = %v, want %d", got, clients)
	}
}

func TestStream_EchoThroughGateway(t *testing.T) {
	g, srv, _ := newTestGateway(t, nil)
	conn := dialStream(t, srv)
	waitForSessions(t, g, 1)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readFrame(t, conn); got != "ping/answer" {
		t.Fatalf("reply = %q", got)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("close")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitForSessions(t, g, 0)
}

func TestConcurrentRequestsAndSessions(t *testing.T) {
	g, srv, _ := newTestGateway(t, nil)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + StreamPath

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			resp, err := http.Get(srv.URL + "/v1/item/" + strconv.Itoa(i))
			if err != nil {
				t.Errorf("GET: %v", err)
				return
			}
			resp.Body.Close()
		}(i)
		go func() {
			defer wg.Done()
			conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
			if err != nil {
				t.Errorf("dial: %v", err)
				return
			}
			conn.WriteMessage(websocket.TextMessage, []byte("close"))
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					break
				}
			}
			conn.Close()
		}()
	}
	wg.Wait()

	waitForSessions(t, g, 0)
}

func TestHealthz(t *testing.T) {
	g, srv, _ := newTestGateway(t, nil)
	dialStream(t, srv)
	waitForSessions(t, g, 1)

	status, body := do(t, http.MethodGet, srv.URL+"/healthz", "")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	var resp healthResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.Sessions != 1 || resp.Overloaded {
		t.Errorf("health = %+v", resp)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	g, srv, _ := newTestGateway(t, nil)
	dialStream(t, srv)
	waitForSessions(t, g, 1)
	do(t, http.MethodGet, srv.URL+"/v1/foo", "")

	status, body := do(t, http.MethodGet, srv.URL+"/metrics", "")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	for _, want := range []string{"eventgw_sessions_active 1", `eventgw_broadcast_events_total{kind="GET"} 1`} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestMetricsDisabled(t *testing.T) {
	_, srv, _ := newTestGateway(t, func(c *config.Config) { c.Metrics.Enabled = false })

	status, _ := do(t, http.MethodGet, srv.URL+"/metrics", "")
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
}

func TestRateLimit(t *testing.T) {
	_, srv, _ := newTestGateway(t, func(c *config.Config) {
		c.Limits.RateLimit.Enabled = true
		c.Limits.RateLimit.Capacity = 1
		c.Limits.RateLimit.FillInterval = time.Hour
	})

	if status, _ := do(t, http.MethodGet, srv.URL+"/v1/a", ""); status != http.StatusOK {
		t.Fatalf("first request = %d, want 200", status)
	}
	if status, _ := do(t, http.MethodGet, srv.URL+"/v1/a", ""); status != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", status)
	}
	// Health is not rate limited.
	if status, _ := do(t, http.MethodGet, srv.URL+"/healthz", ""); status != http.StatusOK {
		t.Fatalf("healthz = %d, want 200", status)
	}
}

func TestRun_ServesAndShutsDown(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	g := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for g.Addr() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if g.Addr() == nil {
		t.Fatal("gateway did not start listening")
	}

	status, body := do(t, http.MethodGet, "http://"+g.Addr().String()+"/v1/foo", "")
	if status != http.StatusOK || body != "HTTP -GET for foo" {
		t.Fatalf("GET = %d %q", status, body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_BindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = ln.Addr().(*net.TCPAddr).Port

	if err := New(cfg).Run(context.Background()); err == nil {
		t.Fatal("expected bind error")
	}
}
