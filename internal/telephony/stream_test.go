package telephony

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialStream(t *testing.T) (*Conn, *websocket.Conn) {
	t.Helper()
	accepted := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Upgrade(w, r)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		accepted <- c
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case c := <-accepted:
		t.Cleanup(func() { _ = c.Close() })
		return c, client
	case <-time.After(2 * time.Second):
		t.Fatalf("server never accepted")
	}
	return nil, nil
}

func nextEvent(t *testing.T, c *Conn) Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatalf("events closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

func TestConnDecodesCarrierEvents(t *testing.T) {
	c, client := dialStream(t)

	msgs := []string{
		`{"event":"connected","protocol":"Call","version":"1.0.0"}`,
		`{"event":"start","sequenceNumber":"1","start":{"streamSid":"MZ1","callSid":"CA1","customParameters":{"agent_id":"a1","direction":"inbound"}},"streamSid":"MZ1"}`,
		`{"event":"bogus"}`,
		`{"event":"media","streamSid":"MZ1","media":{"track":"inbound","payload":"//8="}}`,
		`{"event":"dtmf","streamSid":"MZ1","dtmf":{"digit":"5"}}`,
		`{"event":"stop","streamSid":"MZ1"}`,
	}
	for _, m := range msgs {
		if err := client.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	if ev := nextEvent(t, c); ev.Kind != EventConnected {
		t.Fatalf("expected connected, got %q", ev.Kind)
	}
	ev := nextEvent(t, c)
	if ev.Kind != EventStart || ev.Start.CallSid != "CA1" || ev.Start.CustomParameters[ParamAgentID] != "a1" {
		t.Fatalf("unexpected start event %+v", ev)
	}
	if c.StreamSid() != "MZ1" {
		t.Fatalf("expected stream sid to be captured, got %q", c.StreamSid())
	}
	if ev := nextEvent(t, c); ev.Kind != EventMedia || ev.Payload != "//8=" {
		t.Fatalf("unexpected media event %+v", ev)
	}
	if ev := nextEvent(t, c); ev.Kind != EventDTMF || ev.Digit != "5" {
		t.Fatalf("unexpected dtmf event %+v", ev)
	}
	if ev := nextEvent(t, c); ev.Kind != EventStop {
		t.Fatalf("expected stop, got %q", ev.Kind)
	}
	if ev := nextEvent(t, c); ev.Kind != EventClosed || ev.Err != nil {
		t.Fatalf("expected clean close, got %+v", ev)
	}
}

func TestConnSendsMediaInOrder(t *testing.T) {
	c, client := dialStream(t)

	if err := c.SendMedia("AAAA"); err == nil {
		t.Fatalf("expected error before the stream started")
	}
	start := `{"event":"start","start":{"streamSid":"MZ7","callSid":"CA7"},"streamSid":"MZ7"}`
	if err := client.WriteMessage(websocket.TextMessage, []byte(start)); err != nil {
		t.Fatalf("write: %v", err)
	}
	nextEvent(t, c)

	for _, p := range []string{"AQ==", "Ag==", "Aw=="} {
		if err := c.SendMedia(p); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if err := c.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got []string
	for i := 0; i < 4; i++ {
		_, data, err := client.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg struct {
			Event     string `json:"event"`
			StreamSid string `json:"streamSid"`
			Media     struct {
				Payload string `json:"payload"`
			} `json:"media"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.StreamSid != "MZ7" {
			t.Fatalf("missing stream sid in %s", data)
		}
		got = append(got, msg.Event+":"+msg.Media.Payload)
	}
	want := []string{"media:AQ==", "media:Ag==", "media:Aw==", "clear:"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestConnClosedRejectsSends(t *testing.T) {
	c, _ := dialStream(t)
	_ = c.Close()
	if err := c.Clear(); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("expected ErrTransportClosed, got %v", err)
	}
	if err := c.Ping(); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("expected ErrTransportClosed from ping, got %v", err)
	}
}

func TestConnPongUpdatesLastSeen(t *testing.T) {
	c, client := dialStream(t)
	// The client must be reading for its default ping handler to answer.
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()
	before := c.LastSeen()
	time.Sleep(10 * time.Millisecond)
	if err := c.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.LastSeen().After(before) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("last seen never advanced")
}
