package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/protonet/internal/config"
	"github.com/gluk-w/protonet/internal/logutil"
	"github.com/gluk-w/protonet/internal/prompt"
	"github.com/gluk-w/protonet/internal/session"
)

const (
	terminalReadLimit = 1024 * 1024
	// closePollInterval bounds how long a closed session keeps its socket.
	closePollInterval = time.Second
)

// WebSocket close codes, following the 4xxx convention used for terminals.
const (
	closeSessionNotFound websocket.StatusCode = 4004
	closeAlreadyObserved websocket.StatusCode = 4409
	closeSessionClosed   websocket.StatusCode = 4000
)

// termControlMsg is a JSON text frame from the client.
type termControlMsg struct {
	Type  string          `json:"type"`
	Cols  int             `json:"cols,omitempty"`
	Rows  int             `json:"rows,omitempty"`
	ID    uint64          `json:"id,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

type promptMsg struct {
	Type string `json:"type"`
	prompt.Request
}

// wsObserver queues prompt requests for the socket writer. PromptRequested
// must not block, so a full queue drops the request; the client can still
// fetch it from the prompt endpoint.
type wsObserver struct {
	prompts chan prompt.Request
}

func (o *wsObserver) PromptRequested(req prompt.Request) {
	select {
	case o.prompts <- req:
	default:
		log.Printf("[terminal] Prompt %d dropped, observer queue full", req.ID)
	}
}

// SessionTerminal attaches a WebSocket as the session's observer. Binary
// frames carry terminal output out and keyboard input in; text frames carry
// JSON control messages.
func SessionTerminal(w http.ResponseWriter, r *http.Request) {
	if !requireManager(w) {
		return
	}
	// Browsers must come from the same host or a configured origin.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: config.Cfg.AllowedOrigins,
	})
	if err != nil {
		log.Printf("[terminal] Failed to accept websocket: %v", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(terminalReadLimit)

	s, ok := Manager.ByNickname(nicknameParam(r))
	if !ok {
		conn.Close(closeSessionNotFound, "Session not found")
		return
	}
	obs := &wsObserver{prompts: make(chan prompt.Request, 8)}
	if !s.TrySetObserver(obs) {
		conn.Close(closeAlreadyObserved, "Session already observed")
		return
	}
	defer s.SetObserver(nil)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	log.Printf("[terminal] Observer attached to %s", logutil.SanitizeForLog(s.Nickname()))

	go func() {
		defer cancel()
		readTerminalInput(ctx, conn, s)
	}()

	writeTerminalOutput(ctx, conn, s, obs)
	log.Printf("[terminal] Observer detached from %s", logutil.SanitizeForLog(s.Nickname()))
}

// writeTerminalOutput replays the buffer, then streams new text and prompts
// until ctx ends or the session closes.
func writeTerminalOutput(ctx context.Context, conn *websocket.Conn, s *session.Session, obs *wsObserver) {
	buf := s.Buffer()
	ticker := time.NewTicker(closePollInterval)
	defer ticker.Stop()

	var offset int64
	for {
		changed := buf.Changed()
		text, next := buf.ReadFrom(offset)
		offset = next
		if text != "" {
			if err := conn.Write(ctx, websocket.MessageBinary, []byte(text)); err != nil {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-changed:
		case req := <-obs.prompts:
			data, _ := json.Marshal(promptMsg{Type: "prompt", Request: req})
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		case <-ticker.C:
			if s.IsAwaitingClose() {
				conn.Close(closeSessionClosed, "Session closed")
				return
			}
		}
	}
}

func readTerminalInput(ctx context.Context, conn *websocket.Conn, s *session.Session) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ == websocket.MessageBinary {
			s.InjectString(string(data))
			continue
		}

		var msg termControlMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "resize":
			s.SetDimensions(msg.Cols, msg.Rows)
		case "input":
			var text string
			if json.Unmarshal(msg.Value, &text) == nil {
				s.InjectString(text)
			}
		case "prompt_response":
			if err := answerPrompt(s.Prompts(), msg.ID, msg.Value); err != nil {
				log.Printf("[terminal] %s: prompt response: %v", logutil.SanitizeForLog(s.Nickname()), err)
			}
		}
	}
}
