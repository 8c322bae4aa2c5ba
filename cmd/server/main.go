// Package main implements the taskorch ops HTTP server.
// The server exposes the task manager of the configured backend over a small
// REST API and runs the cron scheduler.
//
// API Endpoints:
//
//	GET    /health            - Backend health
//	GET    /stats             - Queue depths (redis and memory backends)
//	GET    /inspect?queue=    - First tasks of a queue (redis backend)
//	GET    /metrics           - Prometheus metrics
//	GET    /tasks             - List tasks (?name=&state=&user=&sort=&desc=)
//	POST   /tasks             - Start a task
//	DELETE /tasks             - Clear finished tasks (same filters as GET)
//	POST   /tasks/stop        - Stop every unfinished task matching the filters
//	GET    /tasks/{id}        - One task and its group
//	DELETE /tasks/{id}        - Clear one task
//	POST   /tasks/{id}/stop   - Stop one task
//	POST   /schedule          - Register a recurring task
//	POST   /shutdown          - Ask every worker to exit
//
// Start request:
//
//	{
//	  "name": "email",
//	  "user": "alice",
//	  "group": "",
//	  "args": {"to": "user@example.com"}
//	}
//
// Usage:
//
//	go run ./cmd/server -config config.yaml
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/guido-cesarano/taskorch/pkg/backend"
	"github.com/guido-cesarano/taskorch/pkg/config"
	"github.com/guido-cesarano/taskorch/pkg/jobs"
	"github.com/guido-cesarano/taskorch/pkg/logger"
	"github.com/guido-cesarano/taskorch/pkg/manager"
	"github.com/guido-cesarano/taskorch/pkg/tasks"
	"github.com/guido-cesarano/taskorch/pkg/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// authMiddleware enforces API Key authentication.
func authMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// If no key is configured, allow all (dev mode)
			if requiredKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			apiKey := r.Header.Get("X-API-Key")
			if apiKey != requiredKey {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// enableCORS adds CORS headers and answers preflight requests.
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*") // Allow all origins for dev
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-API-Key")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// server holds what the handlers need. depths and inspect are nil when the
// backend cannot report them.
type server struct {
	manager   tasks.TaskManager
	scheduler *manager.Scheduler
	depths    func(ctx context.Context) map[string]int64
	inspect   func(ctx context.Context, queue string, limit int64) ([]*tasks.Task, error)
}

type startRequest struct {
	Name  string          `json:"name"`
	User  string          `json:"user"`
	Group string          `json:"group"`
	Args  tasks.Arguments `json:"args"`
}

type scheduleRequest struct {
	Spec string `json:"spec"` // Cron expression (e.g. "@every 1m")
	startRequest
}

type taskResponse struct {
	*tasks.Task
	Group tasks.Group `json:"group"`
}

// setupRouter configures the HTTP handlers: CORS, then auth, then the handler,
// so preflight requests never fail auth.
func setupRouter(s *server, apiKey string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(enableCORS)
	r.Use(authMiddleware(apiKey))

	r.Get("/health", s.health)
	r.Get("/stats", s.stats)
	r.Get("/inspect", s.inspectQueue)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/schedule", s.schedule)
	r.Post("/shutdown", s.shutdown)

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.listTasks)
		r.Post("/", s.startTask)
		r.Delete("/", s.clearDoneTasks)
		r.Post("/stop", s.stopTasks)
		r.Get("/{id}", s.getTask)
		r.Delete("/{id}", s.clearTask)
		r.Post("/{id}/stop", s.stopTask)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError maps manager errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, tasks.ErrUnknownTask):
		status = http.StatusNotFound
	case errors.Is(err, tasks.ErrTaskAlreadyExists), errors.Is(err, tasks.ErrIllegalState):
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}

// filtersFrom reads name, state (comma separated), user, arg.<path> and
// case_insensitive query parameters.
func filtersFrom(r *http.Request) (tasks.Filters, error) {
	q := r.URL.Query()
	f := tasks.AllTasks.WithName(q.Get("name")).WithUser(q.Get("user"))
	if raw := q.Get("state"); raw != "" {
		var states []tasks.State
		for _, name := range strings.Split(raw, ",") {
			s, err := tasks.ParseState(strings.TrimSpace(name))
			if err != nil {
				return f, err
			}
			states = append(states, s)
		}
		f = f.WithStates(states...)
	}
	for key, values := range q {
		if path, ok := strings.CutPrefix(key, "arg."); ok && len(values) > 0 {
			f = f.WithArgs(path, values[0])
		}
	}
	f.CaseInsensitive, _ = strconv.ParseBool(q.Get("case_insensitive"))
	return f, nil
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// stats returns the current queue depths.
func (s *server) stats(w http.ResponseWriter, r *http.Request) {
	if s.depths == nil {
		http.Error(w, "Queue stats not supported by this backend", http.StatusNotImplemented)
		return
	}
	writeJSON(w, http.StatusOK, s.depths(r.Context()))
}

// inspectQueue returns the first tasks of a queue (50 by default).
func (s *server) inspectQueue(w http.ResponseWriter, r *http.Request) {
	if s.inspect == nil {
		http.Error(w, "Queue inspection not supported by this backend", http.StatusNotImplemented)
		return
	}
	queueName := r.URL.Query().Get("queue")
	if queueName == "" {
		http.Error(w, "Missing queue parameter", http.StatusBadRequest)
		return
	}
	limit := int64(50)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	list, err := s.inspect(r.Context(), queueName, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *server) listTasks(w http.ResponseWriter, r *http.Request) {
	filters, err := filtersFrom(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	list := []*tasks.Task{}
	for t, err := range s.manager.GetTasks(r.Context(), filters) {
		if err != nil {
			writeError(w, err)
			return
		}
		list = append(list, t)
	}
	if field := r.URL.Query().Get("sort"); field != "" {
		desc, _ := strconv.ParseBool(r.URL.Query().Get("desc"))
		if err := tasks.SortBy(list, field, desc); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	writeJSON(w, http.StatusOK, list)
}

func decodeStart(r *http.Request, req any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	return json.NewDecoder(r.Body).Decode(req)
}

func (s *server) startTask(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeStart(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "Missing task name", http.StatusBadRequest)
		return
	}
	id, err := manager.StartNamed(r.Context(), s.manager, req.Name, req.User, tasks.Group(req.Group), req.Args)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.manager.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	group, err := s.manager.GetTaskGroup(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{Task: task, Group: group})
}

func (s *server) stopTask(w http.ResponseWriter, r *http.Request) {
	stopped, err := s.manager.StopTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

func (s *server) stopTasks(w http.ResponseWriter, r *http.Request) {
	filters, err := filtersFrom(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var stopped map[string]bool
	if r.URL.RawQuery == "" {
		stopped, err = manager.StopAllTasks(r.Context(), s.manager)
	} else {
		stopped, err = manager.StopTasks(r.Context(), s.manager, filters)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stopped)
}

func (s *server) clearTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.manager.ClearTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *server) clearDoneTasks(w http.ResponseWriter, r *http.Request) {
	filters, err := filtersFrom(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cleared, err := s.manager.ClearDoneTasks(r.Context(), filters)
	if err != nil {
		writeError(w, err)
		return
	}
	if cleared == nil {
		cleared = []*tasks.Task{}
	}
	writeJSON(w, http.StatusOK, cleared)
}

// schedule registers a new cron job starting a fresh task on every firing.
func (s *server) schedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeStart(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "Missing task name", http.StatusBadRequest)
		return
	}
	entryID, err := s.scheduler.Schedule(req.Spec, req.Name, req.User, tasks.Group(req.Group), req.Args)
	if err != nil {
		http.Error(w, "Invalid cron spec: "+err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"entry_id": int(entryID)})
}

func (s *server) shutdown(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Shutdown(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// newServer wires the handlers to the backend's manager.
func newServer(ctx context.Context, b *backend.Backend) (*server, error) {
	m, err := b.Manager(ctx)
	if err != nil {
		return nil, err
	}
	s := &server{manager: m, scheduler: manager.NewScheduler(m)}
	if client := b.QueueClient(); client != nil {
		s.depths = client.GetQueueDepths
		s.inspect = client.InspectQueue
	}
	if bus := b.Bus(); bus != nil {
		s.depths = func(context.Context) map[string]int64 { return bus.Depths() }
	}
	return s, nil
}

// runEmbeddedWorkers serves the sample tasks in-process. The memory backend has
// no other way to reach workers.
func runEmbeddedWorkers(ctx context.Context, cfg *config.Config, b *backend.Backend) error {
	registry := worker.NewRegistry()
	if err := jobs.Register(registry); err != nil {
		return err
	}
	supplier, err := b.Supplier(registry)
	if err != nil {
		return err
	}
	for range cfg.Worker.Parallelism {
		loop := worker.NewLoop(supplier, registry, worker.Options{
			PollTimeout:      cfg.Worker.PollTimeout,
			ProgressInterval: cfg.Worker.ProgressInterval,
		})
		go loop.Run(ctx)
	}
	return nil
}

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := logger.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		logger.Log.Fatal().Err(err).Msg("Invalid log configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := backend.Open(ctx, cfg)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to open backend")
	}
	defer b.Close()

	s, err := newServer(ctx, b)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to create task manager")
	}
	if b.Name == backend.Memory {
		if err := runEmbeddedWorkers(ctx, cfg, b); err != nil {
			logger.Log.Fatal().Err(err).Msg("Failed to start embedded workers")
		}
	}

	if cfg.Janitor.Schedule != "" {
		if _, err := s.scheduler.ScheduleCleanup(cfg.Janitor.Schedule, tasks.AllTasks, cfg.Janitor.MaxAge); err != nil {
			logger.Log.Fatal().Err(err).Msg("Invalid janitor schedule")
		}
	}
	s.scheduler.Start()
	defer s.scheduler.Stop()

	if cfg.Server.APIKey == "" {
		logger.Log.Warn().Msg("API key not set. Authentication disabled.")
	} else {
		logger.Log.Info().Msg("API Authentication enabled.")
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           setupRouter(s, cfg.Server.APIKey),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Log.Info().Str("addr", cfg.Server.Addr).Str("backend", b.Name).Msg("Server listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Log.Fatal().Err(err).Msg("Server failed")
	}
}
