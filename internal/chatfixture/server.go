// Package chatfixture serves a small local chat application with per-reply
// token counters and a per-session running total. It stands in for the real
// chat UI when the verification script runs end to end.
package chatfixture

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/sse"

	"github.com/kuitang/chatverify/internal/errs"
	"github.com/kuitang/chatverify/internal/logutil"
	"github.com/kuitang/chatverify/internal/obs"
	"github.com/kuitang/chatverify/internal/ratelimit"
	"github.com/kuitang/chatverify/internal/tokens"
)

// Stream event names.
const (
	EventChunk             = "chunk"
	EventTokenStats        = "token-stats"
	EventSessionTokenTotal = "session-token-total"
	EventDone              = "done"
)

// Options shape the served application. The Hide/Disable/Skip switches
// break one part of the UI contract each.
type Options struct {
	ChunkDelay time.Duration
	RateLimit  ratelimit.Config

	HideNewChat  bool // omit the New Chat button
	DisableInput bool // keep the message input disabled after New Chat
	SkipCounters bool // never emit token-stats or session-token-total
}

// SessionTotal is the payload of a session-token-total event.
type SessionTotal struct {
	SessionID int64 `json:"session_id"`
	Total     int   `json:"total"`
}

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Server is the fixture's HTTP surface.
type Server struct {
	store   *Store
	opts    Options
	limiter *ratelimit.RateLimiter
}

// NewServer builds a server over store.
func NewServer(store *Store, opts Options) *Server {
	if opts.RateLimit.RPS <= 0 || opts.RateLimit.Burst <= 0 {
		opts.RateLimit = ratelimit.DefaultConfig
	}
	return &Server{
		store:   store,
		opts:    opts,
		limiter: ratelimit.NewRateLimiter(opts.RateLimit),
	}
}

// Close stops background work. It does not close the store.
func (s *Server) Close() {
	s.limiter.Stop()
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handlePage)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/chats", s.handleListChats)
	mux.HandleFunc("POST /api/chats", s.handleCreateChat)
	mux.HandleFunc("DELETE /api/chats/{id}", s.handleDeleteChat)
	mux.HandleFunc("GET /api/chats/{id}/messages", s.handleMessages)

	perChat := ratelimit.Middleware(s.limiter, func(r *http.Request) string {
		return r.PathValue("id")
	})
	mux.Handle("GET /api/chats/{id}/stream", perChat(http.HandlerFunc(s.handleStream)))

	return obs.RequestContextMiddleware(obs.AccessLogMiddleware("chatfixture", mux))
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	err := pageTemplate.Execute(w, pageData{
		HideNewChat:  s.opts.HideNewChat,
		DisableInput: s.opts.DisableInput,
	})
	if err != nil {
		obs.From(r.Context()).Error("page_render_failed", "pkg", "chatfixture", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.store.ListChats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	chat, err := s.store.CreateChat(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	obs.From(r.Context()).Info("chat_created", "pkg", "chatfixture", "chat_id", chat.ID)
	writeJSON(w, http.StatusCreated, chat)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	id, err := chatID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.store.DeleteChat(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id, err := chatID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := s.store.GetChat(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	msgs, err := s.store.Messages(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// handleStream stores the user's message and streams the assistant reply.
// Every chunk is followed by the reply's running token stats; the session
// total is sent once the reply is stored.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := chatID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ctx = obs.WithCorrelation(ctx, obs.Correlation{ChatID: strconv.FormatInt(id, 10)})
	log := obs.From(ctx).With("pkg", "chatfixture")

	message := strings.TrimSpace(r.URL.Query().Get("message"))
	if message == "" {
		writeError(w, r, errs.New(errs.InvalidArgument, "message is required"))
		return
	}
	if _, err := s.store.GetChat(ctx, id); err != nil {
		writeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, errs.New(errs.Internal, "streaming unsupported"))
		return
	}

	userMsg, err := s.store.AddMessage(ctx, id, SenderUser, message)
	if err != nil {
		writeError(w, r, err)
		return
	}
	log.Info("message_received", "tokens", userMsg.Tokens, "preview", logutil.TruncateForLog(message, 64))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	reply := Reply(message, userMsg.Tokens)
	meter := tokens.NewMeter()
	meter.Start()
	var stats tokens.Stats
	events := 0
	for _, chunk := range Chunks(reply) {
		if err := sleepCtx(ctx, s.opts.ChunkDelay); err != nil {
			log.Info("stream_cancelled", "error", err)
			return
		}
		if stats, err = meter.Add(chunk); err != nil {
			log.Error("count_chunk_failed", "error", err)
			return
		}
		if !writeEvent(w, flusher, EventChunk, chunk) {
			return
		}
		events++
		if !s.opts.SkipCounters {
			if !writeEvent(w, flusher, EventTokenStats, stats) {
				return
			}
			events++
		}
	}

	if _, err := s.store.AddMessage(ctx, id, SenderAssistant, reply); err != nil {
		log.Error("store_reply_failed", "error", err)
		return
	}
	// Only the streamed reply counts toward the session total.
	total, err := s.store.AddTokens(ctx, id, stats.Tokens)
	if err != nil {
		log.Error("update_session_total_failed", "error", err)
		return
	}

	if !s.opts.SkipCounters {
		if !writeEvent(w, flusher, EventSessionTokenTotal, SessionTotal{SessionID: id, Total: total}) {
			return
		}
		events++
	}
	if writeEvent(w, flusher, EventDone, "ok") {
		events++
	}
	obs.AnnotateAccess(ctx, "sse_events", events)
	log.Info("reply_streamed", "tokens", stats.Tokens, "tps", stats.TPS, "session_total", total)
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) bool {
	if err := sse.Encode(w, sse.Event{Event: event, Data: data}); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func chatID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.New(errs.InvalidArgument, "invalid chat id")
	}
	obs.AnnotateAccess(r.Context(), "chat_id", id)
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errs.CodeOf(err)
	status := errs.HTTPStatus(code)
	msg := errs.MessageOf(err)
	if status >= http.StatusInternalServerError {
		obs.From(r.Context()).Error("request_failed", "pkg", "chatfixture", "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Code: string(code)})
}
