package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"peerconnect-server/internal/auth"
	"peerconnect-server/internal/model"
	"peerconnect-server/internal/store"
)

var testTokens = auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}

type process struct {
	app *App
	srv *httptest.Server
}

type cluster struct {
	mr    *miniredis.Miniredis
	store *store.Store
	a     process
	b     process
}

// newCluster runs two server processes on one shared store.
func newCluster(t *testing.T) *cluster {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := store.New(rdb, store.Options{Prefix: "{t}:", Timeout: time.Second})

	c := &cluster{mr: mr, store: st}
	for _, p := range []struct {
		id  string
		dst *process
	}{{"proc-a", &c.a}, {"proc-b", &c.b}} {
		app := NewApp(st, Options{
			ProcessID:          p.id,
			Verifier:           auth.JWTVerifier{Config: testTokens},
			HandshakeRateLimit: 100,
		}, zerolog.Nop())
		if err := app.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		srv := httptest.NewServer(app.Handler)
		t.Cleanup(func() {
			srv.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = app.Stop(ctx)
		})
		*p.dst = process{app: app, srv: srv}
	}
	return c
}

func token(t *testing.T, id, name string) string {
	t.Helper()
	tok, err := auth.CreateToken(model.Identity{ID: id, Email: id + "@example.com", DisplayName: name}, testTokens)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	return tok
}

// client is a minimal socket.io client. A reader goroutine answers engine
// pings and queues every other frame.
type client struct {
	t      *testing.T
	ws     *websocket.Conn
	frames chan string
	nextID int
}

func dialSocket(t *testing.T, p process) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(p.srv.URL, "http") + "/socket.io/?EIO=4&transport=websocket"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	c := &client{t: t, ws: ws, frames: make(chan string, 256)}
	go c.read()
	t.Cleanup(func() { _ = ws.Close() })

	if open := c.next(); !strings.HasPrefix(open, "0{") {
		t.Fatalf("expected engine open, got %q", open)
	}
	return c
}

// connect dials p and completes the socket.io handshake as the given identity.
func connect(t *testing.T, p process, id, name string) *client {
	t.Helper()
	c := dialSocket(t, p)
	hello, _ := json.Marshal(map[string]string{"token": token(t, id, name)})
	c.send("40" + string(hello))
	c.waitPrefix("40{")
	c.wait(model.EventUserOnline)
	return c
}

func (c *client) read() {
	defer close(c.frames)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		msg := string(data)
		if msg == "2" {
			_ = c.ws.WriteMessage(websocket.TextMessage, []byte("3"))
			continue
		}
		c.frames <- msg
	}
}

func (c *client) send(msg string) {
	c.t.Helper()
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		c.t.Fatalf("WriteMessage: %v", err)
	}
}

func (c *client) next() string {
	c.t.Helper()
	select {
	case msg, ok := <-c.frames:
		if !ok {
			c.t.Fatalf("connection closed")
		}
		return msg
	case <-time.After(3 * time.Second):
		c.t.Fatalf("timeout waiting for a frame")
		return ""
	}
}

// waitPrefix skips frames until one starts with prefix.
func (c *client) waitPrefix(prefix string) string {
	c.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg, ok := <-c.frames:
			if !ok {
				c.t.Fatalf("connection closed waiting for %q", prefix)
			}
			if strings.HasPrefix(msg, prefix) {
				return msg
			}
		case <-deadline:
			c.t.Fatalf("timeout waiting for %q", prefix)
			return ""
		}
	}
}

// wait returns the raw body of the next event named event.
func (c *client) wait(event string) string {
	c.t.Helper()
	prefix := `42["` + event + `"`
	msg := c.waitPrefix(prefix)
	body := strings.TrimPrefix(msg, prefix)
	body = strings.TrimPrefix(body, ",")
	return strings.TrimSuffix(body, "]")
}

// emit sends event with a raw JSON body and returns the ack id.
func (c *client) emit(event string, body string) int {
	c.t.Helper()
	c.nextID++
	name, _ := json.Marshal(event)
	c.send("42" + strconv.Itoa(c.nextID) + "[" + string(name) + "," + body + "]")
	return c.nextID
}

type ack struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func (c *client) ack(id int) ack {
	c.t.Helper()
	msg := c.waitPrefix("43" + strconv.Itoa(id) + "[")
	var arr []ack
	if err := json.Unmarshal([]byte(strings.TrimPrefix(msg, "43"+strconv.Itoa(id))), &arr); err != nil || len(arr) != 1 {
		c.t.Fatalf("bad ack %q: %v", msg, err)
	}
	return arr[0]
}

// call emits event and waits for its ack.
func (c *client) call(event string, body string) ack {
	c.t.Helper()
	return c.ack(c.emit(event, body))
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}
