// Package relay is the stateless HTTP edge between clients and the model
// provider. It authenticates requests, persists conversations, reshapes
// the provider's stream into the canonical event vocabulary, executes
// clinical tools inline, and enforces the per-email demo quota. It holds
// no per-session memory: turn continuity lives entirely in the persisted
// continuation identifier, so instances can restart mid-conversation.
package relay

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/rezzyhealth/rezzy/internal/log"
	"github.com/rezzyhealth/rezzy/internal/security"
	"github.com/rezzyhealth/rezzy/internal/store"
	"github.com/rezzyhealth/rezzy/internal/tools"
	"github.com/rezzyhealth/rezzy/internal/upstream"
)

// Store is what the relay needs from persistence. Defined here, on the
// consumer side, so handlers can be tested against fakes.
type Store interface {
	EnsureConversation(ctx context.Context, userID string, id uuid.UUID, title string) (*store.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]store.Conversation, error)
	DeleteConversation(ctx context.Context, userID string, id uuid.UUID) error
	ListRecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]store.Message, error)
	CreateMessage(ctx context.Context, conversationID uuid.UUID, role, content, responseID string, meta store.MessageMetadata) (*store.Message, error)
	UpdateConversationTurn(ctx context.Context, conversationID uuid.UUID, responseID string, meta store.ConversationMetadata) error

	CreateUpload(ctx context.Context, conversationID uuid.UUID, fileName, mimeType string, sizeBytes int64, upstreamFileID string) (*store.Upload, error)
	ListUploads(ctx context.Context, conversationID uuid.UUID) ([]store.Upload, error)

	CreateTask(ctx context.Context, userID string, conversationID uuid.UUID, taskType, prompt string) (*store.Task, error)
	GetTask(ctx context.Context, userID string, id uuid.UUID) (*store.Task, error)
	ListTasks(ctx context.Context, userID string) ([]store.Task, error)
	UpdateTaskStatus(ctx context.Context, id uuid.UUID, status, result string) error

	GetEmailQuotaUsed(ctx context.Context, email string) (int, error)
	ConsumeEmailQuota(ctx context.Context, email string, limit int) (int, error)

	Ping(ctx context.Context) error
}

// Upstream is the provider surface the relay consumes.
type Upstream interface {
	Stream(ctx context.Context, req upstream.Request) (*upstream.Stream, error)
	UploadFile(ctx context.Context, fileName string, content io.Reader) (string, error)
	Model() string
}

// ServerConfig wires the relay's collaborators and policy knobs.
type ServerConfig struct {
	Logger   log.Logger
	Store    Store           // required
	Upstream Upstream        // required
	Tools    *tools.Registry // nil = tools.Default()

	HMACSecret      []byte // required, 32+ bytes
	CORSOrigins     []string
	CanonicalOrigin string
	TrustProxy      bool
	RateBurst       int // 0 = default 60

	MaxHistoryMessages int // bounded history window, 0 = 20
	DemoQueryLimit     int // 0 = 3
}

// Server is the relay HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer configures all routes and the middleware stack. ctx bounds
// the lifetime of background task workers.
func NewServer(ctx context.Context, cfg ServerConfig) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Upstream == nil {
		return nil, errors.New("upstream client is required")
	}
	if len(cfg.HMACSecret) < 32 {
		return nil, errors.New("hmac secret must be at least 32 bytes")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	registry := cfg.Tools
	if registry == nil {
		registry = tools.Default()
	}
	if cfg.MaxHistoryMessages <= 0 {
		cfg.MaxHistoryMessages = 20
	}
	if cfg.DemoQueryLimit <= 0 {
		cfg.DemoQueryLimit = security.DemoQueryLimit
	}

	ch := &chatHandler{
		logger:     logger,
		store:      cfg.Store,
		upstream:   cfg.Upstream,
		tools:      registry,
		maxHistory: cfg.MaxHistoryMessages,
	}
	dh := &demoHandler{
		logger:     logger,
		store:      cfg.Store,
		chat:       ch,
		queryLimit: cfg.DemoQueryLimit,
	}
	cv := &conversationHandler{logger: logger, store: cfg.Store}
	uh := &uploadHandler{logger: logger, store: cfg.Store, upstream: cfg.Upstream}
	th := &taskHandler{logger: logger, store: cfg.Store, upstream: cfg.Upstream, baseCtx: ctx}

	authed := http.NewServeMux()
	authed.HandleFunc("POST /api/v1/chat/stream", ch.stream)
	authed.HandleFunc("GET /api/v1/conversations", cv.list)
	authed.HandleFunc("POST /api/v1/conversations", cv.create)
	authed.HandleFunc("DELETE /api/v1/conversations/{id}", cv.delete)
	authed.HandleFunc("GET /api/v1/conversations/{id}/messages", cv.messages)
	authed.HandleFunc("GET /api/v1/conversations/{id}/uploads", uh.list)
	authed.HandleFunc("POST /api/v1/uploads", uh.upload)
	authed.HandleFunc("POST /api/v1/tasks", th.create)
	authed.HandleFunc("GET /api/v1/tasks", th.list)
	authed.HandleFunc("GET /api/v1/tasks/{id}", th.get)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/", authMiddleware(cfg.HMACSecret, logger)(authed))
	mux.HandleFunc("POST /api/v1/demo/chat", dh.handleChat)
	mux.HandleFunc("GET /api/v1/demo/quota", dh.quota)

	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(1.0, burst)

	// Outermost first: Recovery → Logging → CORS → RateLimit → Routes.
	// CORS sits before the limiter so preflights always carry headers.
	var handler http.Handler = mux
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins, cfg.CanonicalOrigin)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = recoveryMiddleware(logger)(handler)
	handler = securityHeaders(handler)

	// Health probes bypass the middleware stack.
	top := http.NewServeMux()
	top.HandleFunc("GET /healthz", healthz)
	top.Handle("GET /readyz", readyz(cfg.Store, logger))
	top.Handle("/", handler)

	return &Server{mux: top}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, log.NewNop())
}

func readyz(st Store, logger log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "not_ready", "database unreachable", logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, logger)
	})
}
