package telephony

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrTransportClosed = errors.New("telephony: transport closed")

const (
	eventBuffer = 256
	sendBuffer  = 256
	writeWait   = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Twilio does not send an Origin header.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Conn is one media stream websocket. A single goroutine reads and a single
// goroutine writes, so frame order is kept in both directions.
type Conn struct {
	ws     *websocket.Conn
	events chan Event
	out    chan any
	done   chan struct{}

	mu        sync.Mutex
	streamSid string
	lastSeen  time.Time
	closeOnce sync.Once

	now func() time.Time
}

// Upgrade accepts a media stream websocket and starts its reader and writer.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewConn(ws), nil
}

func NewConn(ws *websocket.Conn) *Conn {
	c := &Conn{
		ws:       ws,
		events:   make(chan Event, eventBuffer),
		out:      make(chan any, sendBuffer),
		done:     make(chan struct{}),
		lastSeen: time.Now(),
		now:      time.Now,
	}
	ws.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})
	go c.readLoop()
	go c.writeLoop()
	return c
}

// Events yields decoded carrier events. The channel is closed after an
// EventClosed is delivered.
func (c *Conn) Events() <-chan Event { return c.events }

func (c *Conn) StreamSid() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamSid
}

// LastSeen is the time of the last frame or pong from the carrier.
func (c *Conn) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastSeen = c.now()
	c.mu.Unlock()
}

func (c *Conn) readLoop() {
	defer close(c.events)
	var readErr error
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				readErr = err
			}
			break
		}
		c.touch()
		ev, ok := decodeEvent(data, c.now())
		if !ok {
			continue
		}
		if ev.Kind == EventStart {
			c.mu.Lock()
			c.streamSid = ev.StreamSid
			c.mu.Unlock()
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
		if ev.Kind == EventStop {
			break
		}
	}
	select {
	case c.events <- Event{Kind: EventClosed, Err: readErr, ReceivedAt: c.now()}:
	case <-c.done:
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.closeWith()
				return
			}
		}
	}
}

func (c *Conn) send(msg any) error {
	select {
	case <-c.done:
		return ErrTransportClosed
	default:
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.done:
		return ErrTransportClosed
	}
}

// SendMedia queues base64 μ-law audio for the caller.
func (c *Conn) SendMedia(payload string) error {
	sid := c.StreamSid()
	if sid == "" {
		return errors.New("telephony: stream not started")
	}
	return c.send(outboundMedia{Event: string(EventMedia), StreamSid: sid, Media: mediaPayload{Payload: payload}})
}

// SendMark asks the carrier to echo name once queued audio has played.
func (c *Conn) SendMark(name string) error {
	return c.send(outboundMark{Event: string(EventMark), StreamSid: c.StreamSid(), Mark: markPayload{Name: name}})
}

// Clear drops audio the carrier has buffered but not played yet.
func (c *Conn) Clear() error {
	return c.send(outboundClear{Event: "clear", StreamSid: c.StreamSid()})
}

// Ping sends a websocket ping. The pong updates LastSeen.
func (c *Conn) Ping() error {
	select {
	case <-c.done:
		return ErrTransportClosed
	default:
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Close() error {
	c.closeWith()
	return nil
}

func (c *Conn) closeWith() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}
