package model

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"
)

const (
	DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	DefaultModel    = "gemini-2.0-flash-live-001"
	DefaultVoice    = "Puck"
	DefaultLanguage = "en-US"

	defaultInputRate    = 16000
	defaultWriteTimeout = 5 * time.Second
	sendQueueSize       = 256
)

var (
	ErrNotReady = errors.New("model: session not ready")
	ErrClosed   = errors.New("model: session closed")
	ErrGoAway   = errors.New("model: server requested disconnect")
)

// Config is the per-call session configuration sent in the setup frame.
type Config struct {
	Endpoint     string
	APIKey       string
	Model        string
	Voice        string
	Language     string
	SystemPrompt string
	Tools        []*genai.Tool

	// InputRate is the sample rate of PCM sent with SendAudio.
	InputRate int

	WriteTimeout time.Duration
	Dialer       *websocket.Dialer
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Endpoint) == "" {
		c.Endpoint = DefaultEndpoint
	}
	if strings.TrimSpace(c.Model) == "" {
		c.Model = DefaultModel
	}
	if strings.TrimSpace(c.Voice) == "" {
		c.Voice = DefaultVoice
	}
	if strings.TrimSpace(c.Language) == "" {
		c.Language = DefaultLanguage
	}
	if c.InputRate <= 0 {
		c.InputRate = defaultInputRate
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	return c
}

// ToolCall is a function call requested by the model.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// Handler receives session events. Callbacks run on the client's reader
// goroutine and must not block for long. Nil callbacks are skipped.
type Handler struct {
	OnReady        func()
	OnAudio        func(pcm []byte, mimeType string)
	OnText         func(text string)
	OnToolCall     func(call ToolCall)
	OnInterrupted  func()
	OnTurnComplete func()
	// OnError fires at most once, for the error that ended the stream.
	OnError func(err error)
	// OnClosed fires exactly once after the reader exits.
	OnClosed func()
}

// Client is one streaming connection to the speech model.
type Client struct {
	cfg  Config
	h    Handler
	conn *websocket.Conn

	out  chan []byte
	done chan struct{}

	ready     chan struct{}
	readyOnce sync.Once
	isReady   atomic.Bool

	closeOnce sync.Once
	closing   atomic.Bool
	failOnce  sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial connects and sends the setup frame. The returned client is not ready
// until the server acknowledges setup; see Ready.
func Dial(ctx context.Context, cfg Config, h Handler) (*Client, error) {
	cfg = cfg.withDefaults()

	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("model: parse endpoint: %w", err)
	}
	if cfg.APIKey != "" {
		q := u.Query()
		q.Set("key", cfg.APIKey)
		u.RawQuery = q.Encode()
	}

	conn, _, err := cfg.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("model: dial: %w", err)
	}

	c := &Client{
		cfg:   cfg,
		h:     h,
		conn:  conn,
		out:   make(chan []byte, sendQueueSize),
		done:  make(chan struct{}),
		ready: make(chan struct{}),
	}

	setup, err := json.Marshal(c.setupMessage())
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("model: encode setup: %w", err)
	}
	// The setup frame is queued before the writer starts so it is always first.
	c.out <- setup

	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

func (c *Client) setupMessage() setupMessage {
	name := c.cfg.Model
	if !strings.HasPrefix(name, "models/") {
		name = "models/" + name
	}
	msg := setupMessage{Setup: setupBody{
		Model: name,
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig: speechConfig{
				VoiceConfig:  voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: c.cfg.Voice}},
				LanguageCode: c.cfg.Language,
			},
		},
		Tools: c.cfg.Tools,
	}}
	if strings.TrimSpace(c.cfg.SystemPrompt) != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: c.cfg.SystemPrompt}}}
	}
	return msg
}

// Ready is closed when the server acknowledges setup.
func (c *Client) Ready() <-chan struct{} { return c.ready }

// Done is closed when the client is closed, by either side.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the stream, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// SendAudio streams one PCM16 frame at Config.InputRate.
func (c *Client) SendAudio(pcm []byte) error {
	return c.send(realtimeInputMessage{RealtimeInput: realtimeInput{Audio: &blob{
		MimeType: "audio/pcm;rate=" + strconv.Itoa(c.cfg.InputRate),
		Data:     base64.StdEncoding.EncodeToString(pcm),
	}}})
}

// SendText sends a complete user turn.
func (c *Client) SendText(text string) error {
	return c.send(clientContentMessage{ClientContent: clientContent{
		Turns:        []content{{Role: "user", Parts: []part{{Text: text}}}},
		TurnComplete: true,
	}})
}

// SendToolResult answers the tool call identified by id.
func (c *Client) SendToolResult(id, name string, result map[string]any) error {
	if result == nil {
		result = map[string]any{}
	}
	return c.send(toolResponseMessage{ToolResponse: toolResponse{
		FunctionResponses: []*genai.FunctionResponse{{ID: id, Name: name, Response: result}},
	}})
}

func (c *Client) send(v any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if !c.isReady.Load() {
		return ErrNotReady
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("model: encode frame: %w", err)
	}
	select {
	case c.out <- payload:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Close tears down the connection. OnError is not fired for a local close.
func (c *Client) Close() error {
	c.closing.Store(true)
	return c.shutdown()
}

func (c *Client) shutdown() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) fail(err error) {
	c.failOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		if !c.closing.Load() && c.h.OnError != nil {
			c.h.OnError(err)
		}
	})
	_ = c.shutdown()
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.fail(fmt.Errorf("model: write: %w", err))
				return
			}
		}
	}
}

func (c *Client) readLoop() {
	defer func() {
		if c.h.OnClosed != nil {
			c.h.OnClosed()
		}
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("model: read: %w", err))
			return
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if err := c.dispatch(msg); err != nil {
			c.fail(err)
			return
		}
	}
}

func (c *Client) dispatch(msg serverMessage) error {
	if msg.Error != nil {
		return fmt.Errorf("model: server error %d %s: %s", msg.Error.Code, msg.Error.Status, msg.Error.Message)
	}
	if msg.SetupComplete != nil {
		c.readyOnce.Do(func() {
			c.isReady.Store(true)
			close(c.ready)
			if c.h.OnReady != nil {
				c.h.OnReady()
			}
		})
	}
	if sc := msg.ServerContent; sc != nil {
		if sc.Interrupted && c.h.OnInterrupted != nil {
			c.h.OnInterrupted()
		}
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				c.dispatchPart(p)
			}
		}
		if sc.TurnComplete && c.h.OnTurnComplete != nil {
			c.h.OnTurnComplete()
		}
	}
	if msg.ToolCall != nil {
		for _, fc := range msg.ToolCall.FunctionCalls {
			c.dispatchCall(fc)
		}
	}
	if msg.GoAway != nil {
		return ErrGoAway
	}
	return nil
}

func (c *Client) dispatchPart(p part) {
	switch {
	case p.InlineData != nil:
		if c.h.OnAudio == nil || !strings.HasPrefix(p.InlineData.MimeType, "audio/") {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
		if err != nil {
			return
		}
		c.h.OnAudio(pcm, p.InlineData.MimeType)
	case p.FunctionCall != nil:
		c.dispatchCall(p.FunctionCall)
	case p.Text != "":
		if c.h.OnText != nil {
			c.h.OnText(p.Text)
		}
	}
}

func (c *Client) dispatchCall(fc *genai.FunctionCall) {
	if fc == nil || fc.Name == "" || c.h.OnToolCall == nil {
		return
	}
	c.h.OnToolCall(ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args})
}

// RateFromMIME extracts the sample rate from "audio/pcm;rate=24000".
func RateFromMIME(mime string, fallback int) int {
	for _, param := range strings.Split(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
