package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"peerconnect-server/internal/config"
	"peerconnect-server/internal/model"
)

func TestNewHTTPServer(t *testing.T) {
	cfg := config.Config{Port: 4321}
	srv := NewHTTPServer(cfg, http.NewServeMux())
	if srv.Addr != ":4321" {
		t.Fatalf("expected :4321, got %q", srv.Addr)
	}
	if srv.ReadHeaderTimeout != 5*time.Second {
		t.Fatalf("unexpected ReadHeaderTimeout")
	}
}

func available(t *testing.T, c *cluster, id string) bool {
	t.Helper()
	rec, ok, err := c.a.app.Presence.Lookup(context.Background(), id)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	return ok && rec.Available
}

func TestCallAcrossProcesses(t *testing.T) {
	c := newCluster(t)
	alice := connect(t, c.a, "alice", "Alice")
	bob := connect(t, c.b, "bob", "Bob")

	for _, cl := range []*client{alice, bob} {
		if a := cl.call(model.EventSetAvailable, `{"available":true}`); !a.OK {
			t.Fatalf("setAvailable refused: %+v", a)
		}
	}
	if a := alice.call(model.EventListPresence, `{}`); !a.OK || string(a.Data) != `[{"id":"bob","displayName":"Bob"}]` {
		t.Fatalf("unexpected presence list %+v %s", a, a.Data)
	}

	// request
	a := alice.call(model.EventCallRequest, `{"targetId":"bob"}`)
	if !a.OK {
		t.Fatalf("call.request refused: %+v", a)
	}
	var reply struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(a.Data, &reply); err != nil || reply.SessionID == "" {
		t.Fatalf("bad call.request ack %s: %v", a.Data, err)
	}
	sid := reply.SessionID

	incoming := bob.wait(model.EventCallIncoming)
	if incoming != `{"sessionId":"`+sid+`","caller":{"id":"alice","displayName":"Alice"}}` {
		t.Fatalf("unexpected call.incoming %s", incoming)
	}
	if available(t, c, "alice") || available(t, c, "bob") {
		t.Fatalf("both parties must be busy while the request is pending")
	}

	// accept; the accepter's own event precedes the ack
	id := bob.emit(model.EventCallAccept, `{"sessionId":"`+sid+`"}`)
	if got := bob.wait(model.EventCallAccepted); got != `{"sessionId":"`+sid+`","peer":{"id":"alice","displayName":"Alice"},"initiator":false}` {
		t.Fatalf("unexpected call.accepted for bob %s", got)
	}
	if a := bob.ack(id); !a.OK {
		t.Fatalf("call.accept refused: %+v", a)
	}
	if got := alice.wait(model.EventCallAccepted); got != `{"sessionId":"`+sid+`","peer":{"id":"bob","displayName":"Bob"},"initiator":true}` {
		t.Fatalf("unexpected call.accepted for alice %s", got)
	}

	// signaling keeps the payload bytes
	offer := `{ "type": "offer", "sdp": "v=0\r\no=- 46117 2 IN IP4 127.0.0.1\r\n" }`
	alice.emit(model.EventSignalOffer, `{"sessionId":"`+sid+`","payload":`+offer+`}`)
	if got := bob.wait(model.EventSignalOffer); got != `{"sessionId":"`+sid+`","payload":`+offer+`}` {
		t.Fatalf("offer changed in transit:\n got %s\nwant payload %s", got, offer)
	}
	candidate := `{"candidate":"candidate:842163049 1 udp 1677729535 1.2.3.4 46154 typ srflx","sdpMid":"0","sdpMLineIndex":0}`
	bob.emit(model.EventSignalICE, `{"sessionId":"`+sid+`","payload":`+candidate+`}`)
	if got := alice.wait(model.EventSignalICE); got != `{"sessionId":"`+sid+`","payload":`+candidate+`}` {
		t.Fatalf("candidate changed in transit: %s", got)
	}

	// end
	id = alice.emit(model.EventCallEnd, `{"sessionId":"`+sid+`"}`)
	if got := alice.wait(model.EventCallEnded); got != `{"sessionId":"`+sid+`"}` {
		t.Fatalf("unexpected call.ended for alice %s", got)
	}
	if a := alice.ack(id); !a.OK {
		t.Fatalf("call.end refused: %+v", a)
	}
	if got := bob.wait(model.EventCallEnded); got != `{"sessionId":"`+sid+`"}` {
		t.Fatalf("unexpected call.ended for bob %s", got)
	}
	if !available(t, c, "alice") || !available(t, c, "bob") {
		t.Fatalf("both parties must be available after the call")
	}

	// a second end is a no-op, and a late candidate is dropped without error
	if a := bob.call(model.EventCallEnd, `{"sessionId":"`+sid+`"}`); !a.OK {
		t.Fatalf("second call.end must succeed: %+v", a)
	}
	if a := bob.call(model.EventSignalICE, `{"sessionId":"`+sid+`","payload":`+candidate+`}`); !a.OK {
		t.Fatalf("late candidate must be dropped silently: %+v", a)
	}
}

func TestStaleAcceptGetsUnavailable(t *testing.T) {
	c := newCluster(t)
	alice := connect(t, c.a, "alice", "Alice")
	bob := connect(t, c.b, "bob", "Bob")
	alice.call(model.EventSetAvailable, `{"available":true}`)

	// call.unavailable is emitted before the ack
	id := alice.emit(model.EventCallRequest, `{"targetId":"bob"}`)
	if got := alice.wait(model.EventCallUnavailable); got != `{"targetId":"bob","reason":"not-available"}` {
		t.Fatalf("unexpected call.unavailable %s", got)
	}
	if a := alice.ack(id); a.OK || a.Error != "not-available" {
		t.Fatalf("expected not-available for a busy target, got %+v", a)
	}

	id = bob.emit(model.EventCallAccept, `{"sessionId":"missing"}`)
	if got := bob.wait(model.EventCallUnavailable); got != `{"sessionId":"missing","reason":"session-not-found"}` {
		t.Fatalf("unexpected call.unavailable %s", got)
	}
	if a := bob.ack(id); a.OK || a.Error != "session-not-found" {
		t.Fatalf("expected session-not-found, got %+v", a)
	}

	if a := bob.call("call.unknown", `{}`); a.OK || a.Error != "bad-request" {
		t.Fatalf("expected bad-request, got %+v", a)
	}
}

func TestRejectNotifiesBoth(t *testing.T) {
	c := newCluster(t)
	alice := connect(t, c.a, "alice", "Alice")
	bob := connect(t, c.b, "bob", "Bob")
	alice.call(model.EventSetAvailable, `{"available":true}`)
	bob.call(model.EventSetAvailable, `{"available":true}`)

	alice.call(model.EventCallRequest, `{"targetId":"bob"}`)
	incoming := bob.wait(model.EventCallIncoming)
	var in struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal([]byte(incoming), &in)

	if a := bob.call(model.EventCallRequests, `{}`); !a.OK || string(a.Data) != `{"incoming":[{"id":"alice","displayName":"Alice"}],"outgoing":[]}` {
		t.Fatalf("unexpected queues %+v %s", a, a.Data)
	}
	want := `{"sessionId":"` + in.SessionID + `","calleeId":"bob"}`
	id := bob.emit(model.EventCallReject, `{"sessionId":"`+in.SessionID+`"}`)
	if got := bob.wait(model.EventCallRejected); got != want {
		t.Fatalf("unexpected call.rejected for bob %s", got)
	}
	if a := bob.ack(id); !a.OK {
		t.Fatalf("call.reject refused: %+v", a)
	}
	if got := alice.wait(model.EventCallRejected); got != want {
		t.Fatalf("unexpected call.rejected for alice %s", got)
	}
	if !available(t, c, "alice") || !available(t, c, "bob") {
		t.Fatalf("both parties must be available after reject")
	}
}

func TestDisconnectDuringPendingRequest(t *testing.T) {
	c := newCluster(t)
	alice := connect(t, c.a, "alice", "Alice")
	bob := connect(t, c.b, "bob", "Bob")
	alice.call(model.EventSetAvailable, `{"available":true}`)
	bob.call(model.EventSetAvailable, `{"available":true}`)

	a := alice.call(model.EventCallRequest, `{"targetId":"bob"}`)
	if !a.OK {
		t.Fatalf("call.request refused: %+v", a)
	}
	bob.wait(model.EventCallIncoming)

	_ = bob.ws.Close()

	alice.wait(model.EventCallEnded)
	if got := alice.wait(model.EventCallRequests); got != `{"incoming":[],"outgoing":[]}` {
		t.Fatalf("alice's outgoing queue must be emptied, got %s", got)
	}
	eventually(t, "bob offline", func() bool {
		_, ok, _ := c.a.app.Presence.Lookup(context.Background(), "bob")
		return !ok
	})
	if !available(t, c, "alice") {
		t.Fatalf("alice must be available again")
	}
	if got := alice.wait(model.EventListPresence); got != `[{"id":"alice","displayName":"Alice"}]` {
		t.Fatalf("unexpected presence broadcast %s", got)
	}
}

func TestSecondConnectionKeepsPresence(t *testing.T) {
	c := newCluster(t)
	first := connect(t, c.a, "alice", "Alice")
	connect(t, c.a, "alice", "Alice")

	_ = first.ws.Close()
	eventually(t, "first connection torn down", func() bool { return c.a.app.Socket.Len() == 1 })

	if _, ok, _ := c.a.app.Presence.Lookup(context.Background(), "alice"); !ok {
		t.Fatalf("presence must survive while a connection is open")
	}
}

func TestConnectionOnOtherProcessKeepsPresence(t *testing.T) {
	c := newCluster(t)
	first := connect(t, c.a, "alice", "Alice")
	second := connect(t, c.b, "alice", "Alice")
	bob := connect(t, c.b, "bob", "Bob")

	_ = second.ws.Close()
	eventually(t, "proc-b connection torn down", func() bool { return c.b.app.Socket.Len() == 1 })

	rec, ok, err := c.a.app.Presence.Lookup(context.Background(), "alice")
	if err != nil || !ok {
		t.Fatalf("presence must survive while proc-a holds a connection: ok=%v err=%v", ok, err)
	}
	if rec.ProcessID != "proc-a" {
		t.Fatalf("expected the record to move to proc-a, got %+v", rec)
	}

	if a := first.call(model.EventSetAvailable, `{"available":true}`); !a.OK {
		t.Fatalf("setAvailable refused: %+v", a)
	}
	bob.call(model.EventSetAvailable, `{"available":true}`)
	if a := bob.call(model.EventCallRequest, `{"targetId":"alice"}`); !a.OK {
		t.Fatalf("call.request refused: %+v", a)
	}
	if got := first.wait(model.EventCallIncoming); !strings.Contains(got, `"caller":{"id":"bob","displayName":"Bob"}`) {
		t.Fatalf("unexpected call.incoming %s", got)
	}
}

func TestDisconnectDuringActiveCall(t *testing.T) {
	c := newCluster(t)
	alice := connect(t, c.a, "alice", "Alice")
	bob := connect(t, c.b, "bob", "Bob")
	alice.call(model.EventSetAvailable, `{"available":true}`)
	bob.call(model.EventSetAvailable, `{"available":true}`)

	a := alice.call(model.EventCallRequest, `{"targetId":"bob"}`)
	var reply struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(a.Data, &reply); err != nil || reply.SessionID == "" {
		t.Fatalf("bad call.request ack %+v: %v", a, err)
	}
	sid := reply.SessionID
	bob.wait(model.EventCallIncoming)
	id := bob.emit(model.EventCallAccept, `{"sessionId":"`+sid+`"}`)
	bob.wait(model.EventCallAccepted)
	if a := bob.ack(id); !a.OK {
		t.Fatalf("call.accept refused: %+v", a)
	}
	alice.wait(model.EventCallAccepted)

	_ = bob.ws.Close()

	if got := alice.wait(model.EventCallEnded); got != `{"sessionId":"`+sid+`"}` {
		t.Fatalf("unexpected call.ended %s", got)
	}
	eventually(t, "bob offline", func() bool {
		_, ok, _ := c.a.app.Presence.Lookup(context.Background(), "bob")
		return !ok
	})
	if !available(t, c, "alice") {
		t.Fatalf("alice must be available again")
	}
	for _, key := range []string{
		c.store.SessionKey(sid),
		c.store.PairKey("alice", "bob"),
		c.store.SessionsKey("alice"),
		c.store.SessionsKey("bob"),
	} {
		if c.mr.Exists(key) {
			t.Fatalf("expected %s to be gone", key)
		}
	}
}

func TestConnectRefusedWithBadToken(t *testing.T) {
	c := newCluster(t)
	cl := dialSocket(t, c.a)
	cl.send(`40{"token":"not-a-jwt"}`)
	if got := cl.waitPrefix("44"); got != `44{"message":"Invalid authentication token"}` {
		t.Fatalf("unexpected connect error %q", got)
	}
	eventually(t, "refused connection closed", func() bool { return c.a.app.Socket.Len() == 0 })
	// only the process heartbeats exist
	if keys := c.mr.Keys(); strings.Join(keys, " ") != "{t}:process:proc-a {t}:process:proc-b" {
		t.Fatalf("a refused connection must not touch the store, found %v", keys)
	}
}

func TestHTTPViews(t *testing.T) {
	c := newCluster(t)
	alice := connect(t, c.a, "alice", "Alice")
	alice.call(model.EventSetAvailable, `{"available":true}`)
	connect(t, c.b, "bob", "Bob")

	get := func(path, tok string) (int, string) {
		req, _ := http.NewRequest(http.MethodGet, c.b.srv.URL+path, nil)
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		return resp.StatusCode, string(body)
	}

	if code, body := get("/health", ""); code != http.StatusOK || body != `{"ok":true,"process":"proc-b"}` {
		t.Fatalf("unexpected health %d %s", code, body)
	}
	if code, _ := get("/v1/presence", ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}
	bobToken := token(t, "bob", "Bob")
	if code, body := get("/v1/presence", bobToken); code != http.StatusOK || body != `{"available":[{"id":"alice","displayName":"Alice"}]}` {
		t.Fatalf("unexpected presence view %d %s", code, body)
	}
	if code, body := get("/v1/calls/requests", bobToken); code != http.StatusOK || body != `{"incoming":[],"outgoing":[]}` {
		t.Fatalf("unexpected requests view %d %s", code, body)
	}
}
