package protoo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/loadtestbot/internal/timer"
)

var upgrader = websocket.Upgrader{}

// newEchoServer answers every request with an ok response echoing the
// request's method as its data, and passes every notification it receives
// to the returned channel.
func newEchoServer(t *testing.T) (*httptest.Server, chan Notification) {
	t.Helper()
	notifyCh := make(chan Notification, 8)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var tg tag
			if err := json.Unmarshal(raw, &tg); err != nil {
				continue
			}
			if tg.Request {
				var req Request
				json.Unmarshal(raw, &req)
				data, _ := json.Marshal(req.Method)
				resp := okResponse(req.ID, data)
				out, _ := json.Marshal(resp)
				conn.WriteMessage(websocket.TextMessage, out)
			}
			if tg.Notification {
				var note Notification
				json.Unmarshal(raw, &note)
				notifyCh <- note
			}
		}
	}))
	return srv, notifyCh
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestRequestReceivesMatchingResponse(t *testing.T) {
	srv, _ := newEchoServer(t)
	defer srv.Close()

	ts := timer.New()
	defer ts.Stop()

	c := New(wsURL(srv.URL), ts)
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	resp, err := c.Request(ctx, "getRouterRtpCapabilities", map[string]string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Ok {
		t.Fatal("expected ok response")
	}
	var method string
	json.Unmarshal(resp.Data, &method)
	if method != "getRouterRtpCapabilities" {
		t.Fatalf("expected echoed method, got %q", method)
	}
}

func TestNotifyIsDelivered(t *testing.T) {
	srv, notifyCh := newEchoServer(t)
	defer srv.Close()

	ts := timer.New()
	defer ts.Stop()

	c := New(wsURL(srv.URL), ts)
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	if err := c.Notify("ping", map[string]int{"n": 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case note := <-notifyCh:
		if note.Method != "ping" {
			t.Fatalf("expected method ping, got %q", note.Method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification to arrive at server")
	}
}

func TestNotifyBeforeConnectIsBufferedThenSent(t *testing.T) {
	srv, notifyCh := newEchoServer(t)
	defer srv.Close()

	ts := timer.New()
	defer ts.Stop()

	c := New(wsURL(srv.URL), ts)
	defer c.Stop()

	// Pre-seed a buffered notification before Connect has run, then
	// connect and confirm the buffer is flushed once the socket opens.
	if err := c.Notify("queued", nil); err != nil {
		t.Fatalf("unexpected error buffering notify: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	select {
	case note := <-notifyCh:
		if note.Method != "queued" {
			t.Fatalf("expected buffered notification queued, got %q", note.Method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("buffered notification was not flushed after connect")
	}

	resp, err := c.Request(ctx, "ping", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Ok {
		t.Fatal("expected ok response after buffered frame flush")
	}
}

func TestRequestTimesOutWhenServerNeverResponds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Read and silently drop every frame: never respond.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ts := timer.New()
	defer ts.Stop()

	c := New(wsURL(srv.URL), ts)
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer reqCancel()

	start := time.Now()
	_, err := c.Request(reqCtx, "neverAnswered", nil)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if elapsed := time.Since(start); elapsed < requestTimeout {
		t.Fatalf("expected request to wait out the full timeout, only waited %v", elapsed)
	}
}
