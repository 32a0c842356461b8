package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"remindflow/internal/domain"
	"remindflow/internal/handlers/inapp"
	"remindflow/internal/handlers/stream"
	"remindflow/internal/ports"
)

// InboxReader lists the in_app inbox of an account.
type InboxReader interface {
	Recent(ctx context.Context, accountID string, limit int) ([]inapp.Item, error)
}

type Deps struct {
	Tasks    ports.ScheduleTaskRepository
	Notes    ports.NotificationRepository
	Receipts ports.DeliveryReceiptRepository
	Hub      *stream.Hub
	// Inbox is nil when the in_app channel is disabled.
	Inbox InboxReader
	// Health reports whether the backing store is reachable.
	Health   func(ctx context.Context) error
	Gatherer prometheus.Gatherer
	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
	Debug     bool
}

type Server struct {
	r        *chi.Mux
	deps     Deps
	upgrader websocket.Upgrader
}

func NewServer(deps Deps) http.Handler {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = 15 * time.Second
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	s := &Server{
		r:    r,
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(middleware.Logger)
		r.Get("/api/schedule-tasks", s.listTasks)
		r.Get("/api/schedule-tasks/{id}", s.getTask)
		r.Get("/api/notifications/{id}", s.getNotification)
		r.Get("/api/inbox/{accountID}", s.inbox)
	})

	r.Get("/stream/{accountID}", s.sse)
	r.Get("/ws/{accountID}", s.ws)

	if deps.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(r.Context()); err != nil {
			http.Error(w, "unhealthy: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Tasks.FindByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	module := r.URL.Query().Get("source_module")
	entity := r.URL.Query().Get("source_entity_id")
	if module == "" || entity == "" {
		http.Error(w, "source_module and source_entity_id are required", http.StatusBadRequest)
		return
	}
	tasks, err := s.deps.Tasks.FindBySourceEntity(r.Context(), module, entity)
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*domain.ScheduleTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

type notificationResp struct {
	*domain.Notification
	Receipts []*domain.DeliveryReceipt `json:"receipts"`
}

func (s *Server) getNotification(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Notes.FindByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	receipts, err := s.deps.Receipts.FindByNotification(r.Context(), n.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, notificationResp{Notification: n, Receipts: receipts})
}

func (s *Server) inbox(w http.ResponseWriter, r *http.Request) {
	if s.deps.Inbox == nil {
		http.Error(w, "in_app channel disabled", http.StatusNotFound)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.deps.Inbox.Recent(r.Context(), chi.URLParam(r, "accountID"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
