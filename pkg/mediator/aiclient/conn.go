package aiclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// The live endpoint speaks bidirectional JSON frames over a single websocket;
// one frame may carry audio, transcription fragments, and a turn boundary at
// once.
const defaultLiveWSBase = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

type liveConnConfig struct {
	APIKey       string
	Model        string
	SystemPrompt string
	BaseWSURL    string
}

type liveConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	errMu   sync.Mutex

	events    chan rawEvent
	closed    chan struct{}
	closeOnce sync.Once

	lastServerError string
	lastClose       string
}

func dialLive(ctx context.Context, cfg liveConnConfig) (*liveConn, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("provider api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("voice model is required")
	}
	wsURL, err := buildLiveWSURL(strings.TrimSpace(cfg.BaseWSURL), strings.TrimSpace(cfg.APIKey))
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	c := &liveConn{
		conn:   conn,
		events: make(chan rawEvent, 256),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func buildLiveWSURL(base, apiKey string) (string, error) {
	if base == "" {
		base = defaultLiveWSBase
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid live ws base url: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("key", apiKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SendSetup performs the provider handshake. The server answers with a
// setupComplete frame on the read side.
func (c *liveConn) SendSetup(ctx context.Context, cfg liveConnConfig) error {
	model := cfg.Model
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	setup := map[string]any{
		"model": model,
		"generationConfig": map[string]any{
			"responseModalities": []string{"AUDIO"},
		},
		"inputAudioTranscription":  map[string]any{},
		"outputAudioTranscription": map[string]any{},
	}
	if strings.TrimSpace(cfg.SystemPrompt) != "" {
		setup["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": cfg.SystemPrompt}},
		}
	}
	return c.writeJSON(ctx, map[string]any{"setup": setup})
}

// SendAudio forwards one pcm_s16le_16k frame.
func (c *liveConn) SendAudio(ctx context.Context, frame []byte) error {
	return c.writeJSON(ctx, map[string]any{
		"realtimeInput": map[string]any{
			"audio": map[string]any{
				"mimeType": "audio/pcm;rate=16000",
				"data":     base64.StdEncoding.EncodeToString(frame),
			},
		},
	})
}

// SendText injects a user-role text turn (context injection, handback
// context).
func (c *liveConn) SendText(ctx context.Context, text string) error {
	return c.writeJSON(ctx, map[string]any{
		"clientContent": map[string]any{
			"turns": []map[string]any{
				{
					"role":  "user",
					"parts": []map[string]any{{"text": text}},
				},
			},
			"turnComplete": true,
		},
	})
}

func (c *liveConn) Events() <-chan rawEvent {
	if c == nil {
		ch := make(chan rawEvent)
		close(ch)
		return ch
	}
	return c.events
}

func (c *liveConn) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		close(c.closed)
		c.setLastClose("closed")
		_ = c.conn.Close()
	})
	return nil
}

type serverFrame struct {
	SetupComplete *struct{} `json:"setupComplete"`
	ServerContent *struct {
		ModelTurn *struct {
			Parts []struct {
				InlineData *struct {
					MIMEType string `json:"mimeType"`
					Data     string `json:"data"`
				} `json:"inlineData"`
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"modelTurn"`
		InputTranscription *struct {
			Text string `json:"text"`
		} `json:"inputTranscription"`
		OutputTranscription *struct {
			Text string `json:"text"`
		} `json:"outputTranscription"`
		TurnComplete bool `json:"turnComplete"`
		Interrupted  bool `json:"interrupted"`
	} `json:"serverContent"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *liveConn) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.setLastClose(fmt.Sprintf("code=%d msg=%s", closeErr.Code, strings.TrimSpace(closeErr.Text)))
			} else {
				c.setLastClose(strings.TrimSpace(err.Error()))
			}
			select {
			case <-c.closed:
			case c.events <- rawEvent{err: fmt.Errorf("provider stream closed: %s", c.failureReason())}:
			}
			return
		}

		var frame serverFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		if frame.Error != nil {
			c.setLastServerError(frame.Error.Message)
			select {
			case c.events <- rawEvent{err: fmt.Errorf("provider error: %s", strings.TrimSpace(frame.Error.Message))}:
			case <-c.closed:
			}
			return
		}

		if frame.SetupComplete != nil {
			select {
			case c.events <- rawEvent{setupComplete: true}:
			case <-c.closed:
				return
			}
			continue
		}

		sc := frame.ServerContent
		if sc == nil {
			continue
		}

		ev := rawEvent{turnComplete: sc.TurnComplete}
		if sc.InputTranscription != nil {
			ev.inputText = sc.InputTranscription.Text
		}
		if sc.OutputTranscription != nil {
			ev.outputText = sc.OutputTranscription.Text
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part.InlineData == nil || part.InlineData.Data == "" {
					continue
				}
				audio, decErr := base64.StdEncoding.DecodeString(part.InlineData.Data)
				if decErr != nil {
					c.setLastServerError("invalid audio base64")
					continue
				}
				if len(ev.audio) == 0 {
					ev.audio = audio
				} else {
					ev.audio = append(ev.audio, audio...)
				}
			}
		}
		if ev.inputText == "" && ev.outputText == "" && len(ev.audio) == 0 && !ev.turnComplete {
			continue
		}

		select {
		case c.events <- ev:
		case <-c.closed:
			return
		}
	}
}

func (c *liveConn) writeJSON(ctx context.Context, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	}
	if err := c.conn.WriteJSON(payload); err != nil {
		reason := strings.TrimSpace(c.failureReason())
		if reason == "" {
			return err
		}
		return fmt.Errorf("%w (provider %s)", err, reason)
	}
	return nil
}

func (c *liveConn) setLastServerError(msg string) {
	if c == nil {
		return
	}
	msg = collapseWhitespace(msg)
	if msg == "" {
		return
	}
	c.errMu.Lock()
	c.lastServerError = msg
	c.errMu.Unlock()
}

func (c *liveConn) setLastClose(msg string) {
	if c == nil {
		return
	}
	msg = collapseWhitespace(msg)
	if msg == "" {
		return
	}
	c.errMu.Lock()
	c.lastClose = msg
	c.errMu.Unlock()
}

func (c *liveConn) failureReason() string {
	if c == nil {
		return ""
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	parts := make([]string, 0, 2)
	if strings.TrimSpace(c.lastServerError) != "" {
		parts = append(parts, "server_error="+c.lastServerError)
	}
	if strings.TrimSpace(c.lastClose) != "" {
		parts = append(parts, "close="+c.lastClose)
	}
	return strings.Join(parts, " ")
}

func collapseWhitespace(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return ""
	}
	msg = strings.ReplaceAll(msg, "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.Join(strings.Fields(msg), " ")
	if len(msg) > 300 {
		msg = msg[:300] + "…"
	}
	return msg
}
