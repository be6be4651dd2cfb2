package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnstream/pkg/control"
	"github.com/go-go-golems/turnstream/pkg/frames"
	"github.com/go-go-golems/turnstream/pkg/messages"
	"github.com/go-go-golems/turnstream/pkg/persistence/chatstore"
	"github.com/go-go-golems/turnstream/pkg/registry"
	"github.com/go-go-golems/turnstream/pkg/resume"
	"github.com/go-go-golems/turnstream/pkg/streamlog"
	"github.com/go-go-golems/turnstream/pkg/turn"
)

const (
	streamNotFoundBody = `{"error":"Stream does not (yet) exist"}`
	pingInterval       = 30 * time.Second
	pongWait           = 60 * time.Second
	maxBodyBytes       = 1 << 20
)

// TurnService is the part of the orchestrator used by the handlers.
type TurnService interface {
	Start(ctx context.Context, req turn.StartRequest) (*turn.Turn, error)
	Cancel(ctx context.Context, chatID, turnID string) error
	ListActive(ctx context.Context, chatID string) ([]registry.Record, error)
}

type Handlers struct {
	turns    TurnService
	reader   *resume.Reader
	store    chatstore.MessageStore
	sessions *Sessions
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

func NewHandlers(turns TurnService, reader *resume.Reader, store chatstore.MessageStore, ch control.Channel) (*Handlers, error) {
	if turns == nil {
		return nil, errors.New("handlers: turn service is nil")
	}
	if reader == nil {
		return nil, errors.New("handlers: resume reader is nil")
	}
	if store == nil {
		return nil, errors.New("handlers: message store is nil")
	}
	if ch == nil {
		return nil, errors.New("handlers: control channel is nil")
	}
	return &Handlers{
		turns:    turns,
		reader:   reader,
		store:    store,
		sessions: NewSessions(ch, defaultSessionIdleTimeout),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		logger:   log.With().Str("component", "http").Logger(),
	}, nil
}

func (h *Handlers) Mount(mux *http.ServeMux) {
	mux.HandleFunc("POST /chat/{chat_id}", h.handleStart)
	mux.HandleFunc("POST /chat/{chat_id}/cancel_stream", h.handleCancel)
	mux.HandleFunc("GET /chat/{chat_id}/active_streams", h.handleActive)
	mux.HandleFunc("POST /chat/{chat_id}/resume", h.handleResume)
	mux.HandleFunc("GET /chat/{chat_id}/resume/ws", h.handleResumeWS)
	mux.HandleFunc("GET /chat/{chat_id}/events", h.handleEventsWS)
	mux.HandleFunc("GET /chat/{chat_id}/messages", h.handleMessages)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

type startBody struct {
	Message  string `json:"message"`
	Model    string `json:"model"`
	Provider string `json:"provider"`
	// Stream makes the response carry the turn's frames instead of just its id.
	Stream bool `json:"stream"`
}

type idBody struct {
	ID string `json:"id"`
}

func chatID(req *http.Request) string {
	return strings.TrimSpace(req.PathValue("chat_id"))
}

func decodeBody(w http.ResponseWriter, req *http.Request, v any) error {
	req.Body = http.MaxBytesReader(w, req.Body, maxBodyBytes)
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		return errors.Wrap(err, "invalid json body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handlers) handleStart(w http.ResponseWriter, req *http.Request) {
	id := chatID(req)
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing chat id")
		return
	}
	var body startBody
	if err := decodeBody(w, req, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeError(w, http.StatusBadRequest, "missing message")
		return
	}
	t, err := h.turns.Start(req.Context(), turn.StartRequest{
		ChatID:   id,
		Message:  body.Message,
		Model:    body.Model,
		Provider: body.Provider,
	})
	if err != nil {
		if errors.Is(err, turn.ErrShuttingDown) {
			writeError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}
		h.logger.Error().Err(err).Str("chat_id", id).Msg("start turn failed")
		writeError(w, http.StatusInternalServerError, "failed to start turn")
		return
	}
	if !body.Stream {
		writeJSON(w, http.StatusOK, map[string]string{"messageId": t.ID})
		return
	}
	w.Header().Set("X-Message-Id", t.ID)
	h.streamFrames(w, req, t.Key())
}

func (h *Handlers) handleCancel(w http.ResponseWriter, req *http.Request) {
	id := chatID(req)
	var body idBody
	if err := decodeBody(w, req, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if id == "" || strings.TrimSpace(body.ID) == "" {
		writeError(w, http.StatusBadRequest, "missing chat or turn id")
		return
	}
	if err := h.turns.Cancel(req.Context(), id, strings.TrimSpace(body.ID)); err != nil {
		h.logger.Error().Err(err).Str("chat_id", id).Str("turn_id", body.ID).Msg("cancel failed")
		writeError(w, http.StatusInternalServerError, "failed to cancel")
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (h *Handlers) handleActive(w http.ResponseWriter, req *http.Request) {
	id := chatID(req)
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing chat id")
		return
	}
	recs, err := h.turns.ListActive(req.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("chat_id", id).Msg("list active turns failed")
		writeError(w, http.StatusInternalServerError, "failed to list active streams")
		return
	}
	if recs == nil {
		recs = []registry.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"activeStreams": recs})
}

func (h *Handlers) handleResume(w http.ResponseWriter, req *http.Request) {
	id := chatID(req)
	var body idBody
	if err := decodeBody(w, req, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if id == "" || strings.TrimSpace(body.ID) == "" {
		writeError(w, http.StatusBadRequest, "missing chat or turn id")
		return
	}
	h.streamFrames(w, req, streamlog.TurnKey{ChatID: id, TurnID: strings.TrimSpace(body.ID)})
}

// streamFrames answers with the turn's frames as a chunked data stream.
func (h *Handlers) streamFrames(w http.ResponseWriter, req *http.Request, key streamlog.TurnKey) {
	rw := &lazyHeaderWriter{w: w}
	err := h.reader.Resume(req.Context(), key, frames.NewLineWriter(rw))
	switch {
	case err == nil:
	case errors.Is(err, resume.ErrUnknownTurn):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPreconditionFailed)
		_, _ = w.Write([]byte(streamNotFoundBody))
	case errors.Is(err, resume.ErrTransportDisconnect):
		h.logger.Debug().Str("chat_id", key.ChatID).Str("turn_id", key.TurnID).Msg("client disconnected from stream")
	default:
		h.logger.Error().Err(err).Str("chat_id", key.ChatID).Str("turn_id", key.TurnID).Msg("resume failed")
		if !rw.started {
			writeError(w, http.StatusInternalServerError, "resume failed")
		}
	}
}

// lazyHeaderWriter sends the data-stream headers with the first frame, so an unknown turn
// can still be answered with 412.
type lazyHeaderWriter struct {
	w       http.ResponseWriter
	started bool
}

func (l *lazyHeaderWriter) Write(p []byte) (int, error) {
	if !l.started {
		l.started = true
		hdr := l.w.Header()
		hdr.Set("Content-Type", "text/plain; charset=utf-8")
		hdr.Set("X-Vercel-AI-Data-Stream", "v1")
		hdr.Set("Cache-Control", "no-cache")
		l.w.WriteHeader(http.StatusOK)
	}
	return l.w.Write(p)
}

func (l *lazyHeaderWriter) Flush() {
	if f, ok := l.w.(http.Flusher); ok {
		f.Flush()
	}
}

func (h *Handlers) handleResumeWS(w http.ResponseWriter, req *http.Request) {
	id := chatID(req)
	turnID := strings.TrimSpace(req.URL.Query().Get("id"))
	if id == "" || turnID == "" {
		http.Error(w, "missing chat or turn id", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	ctx, ww, done := h.attach(req.Context(), conn)
	defer done()

	err = h.reader.Resume(ctx, streamlog.TurnKey{ChatID: id, TurnID: turnID}, ww)
	switch {
	case errors.Is(err, resume.ErrUnknownTurn):
		_ = ww.WriteRaw(websocket.TextMessage, []byte(streamNotFoundBody))
		_ = ww.WriteRaw(websocket.CloseMessage, websocket.FormatCloseMessage(4412, "stream does not exist"))
	case err == nil:
		_ = ww.WriteRaw(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	case errors.Is(err, resume.ErrTransportDisconnect):
	default:
		h.logger.Error().Err(err).Str("chat_id", id).Str("turn_id", turnID).Msg("websocket resume failed")
		_ = ww.WriteRaw(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "resume failed"))
	}
}

func (h *Handlers) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	id := chatID(req)
	if id == "" {
		http.Error(w, "missing chat id", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	ctx, ww, done := h.attach(req.Context(), conn)
	defer done()

	leave, err := h.sessions.Join(id, ww, done)
	if err != nil {
		h.logger.Error().Err(err).Str("chat_id", id).Msg("join session failed")
		_ = ww.WriteRaw(websocket.TextMessage, []byte(`{"error":"failed to subscribe"}`))
		return
	}
	defer leave()
	<-ctx.Done()
}

// Close disconnects every session websocket.
func (h *Handlers) Close() {
	h.sessions.Close()
}

// attach starts the read pump (pongs, client close) and the ping loop of a websocket.
// The returned context is cancelled when the client goes away.
func (h *Handlers) attach(parent context.Context, conn *websocket.Conn) (context.Context, *frames.WebsocketWriter, func()) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	ww := frames.NewWebsocketWriter(conn)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ww.WriteRaw(websocket.PingMessage, nil); err != nil {
					cancel()
					return
				}
			}
		}
	}()
	return ctx, ww, func() {
		cancel()
		_ = conn.Close()
	}
}

func (h *Handlers) handleMessages(w http.ResponseWriter, req *http.Request) {
	id := chatID(req)
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing chat id")
		return
	}
	q := chatstore.MessageQuery{
		ChatID:     id,
		ResponseID: strings.TrimSpace(req.URL.Query().Get("response_id")),
	}
	if s := strings.TrimSpace(req.URL.Query().Get("limit")); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			q.Limit = v
		}
	}
	msgs, err := h.store.ListMessages(req.Context(), q)
	if err != nil {
		h.logger.Error().Err(err).Str("chat_id", id).Msg("list messages failed")
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []messages.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}
