package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Abhinav21110/deployify/internal/domain"
	"github.com/Abhinav21110/deployify/internal/logbus"
	"github.com/Abhinav21110/deployify/internal/provider"
	"github.com/Abhinav21110/deployify/internal/queue"
	"github.com/Abhinav21110/deployify/internal/repository"
	deploysvc "github.com/Abhinav21110/deployify/internal/service/deploy"
	"github.com/Abhinav21110/deployify/internal/vault"
)

const (
	heartbeatInterval  = 30 * time.Second
	healthCheckTimeout = 2 * time.Second
	defaultOwner       = "default"
)

// Router wires HTTP endpoints to the core services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	deploy    *deploysvc.Service
	vault     *vault.Service
	bus       *logbus.Bus
	providers *provider.Registry
	queue     queue.Queue
	limiter   RateLimiter
	upgrader  websocket.Upgrader

	intakeLimitPerMinute int
	dbHealth             func(context.Context) error
	daemonHealth         func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	queueDepth         prometheus.GaugeFunc
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deploySvc *deploysvc.Service, vaultSvc *vault.Service,
	bus *logbus.Bus, providers *provider.Registry, q queue.Queue, limiter RateLimiter,
	intakeLimitPerMinute int, dbHealth, daemonHealth func(context.Context) error) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		deploy:    deploySvc,
		vault:     vaultSvc,
		bus:       bus,
		providers: providers,
		queue:     q,
		limiter:   limiter,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		intakeLimitPerMinute: intakeLimitPerMinute,
		dbHealth:             dbHealth,
		daemonHealth:         daemonHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/deploy", r.audit("/deploy", r.handleDeployCollection))
	r.mux.HandleFunc("/deploy/", r.audit("/deploy/{id}", r.handleDeploySubroutes))
	r.mux.HandleFunc("/credentials", r.audit("/credentials", r.handleCredentialCollection))
	r.mux.HandleFunc("/credentials/", r.audit("/credentials/{id}", r.handleCredentialSubroutes))
	r.mux.HandleFunc("/recommend-provider", r.audit("/recommend-provider", r.handleRecommend))
	r.mux.HandleFunc("/queue/stats", r.audit("/queue/stats", r.handleQueueStats))
}

// audit wraps a handler with request metrics and debug logging.
func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, req)
		duration := time.Since(started)
		r.recordRequestMetrics(req.Method, route, recorder.status, duration)
		r.logger.Debug("request handled", "method", req.Method, "path", req.URL.Path,
			"status", recorder.status, "duration_ms", duration.Milliseconds())
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"database": "ok", "queue": "ok", "container_daemon": "ok"}
	healthy := true
	if err := r.dbHealth(ctx); err != nil {
		checks["database"] = err.Error()
		healthy = false
	}
	if err := r.queue.Ping(ctx); err != nil {
		checks["queue"] = err.Error()
		healthy = false
	}
	if err := r.daemonHealth(ctx); err != nil {
		checks["container_daemon"] = err.Error()
		healthy = false
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"healthy": healthy, "checks": checks})
}

func (r *Router) handleDeployCollection(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		key := rateLimitKeyIP(req)
		decision := r.limiter.Allow(key, r.intakeLimitPerMinute, time.Minute)
		if !decision.allowed {
			r.recordRateLimitHit("/deploy")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		var intake deploysvc.Intake
		if err := json.NewDecoder(req.Body).Decode(&intake); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		dep, err := r.deploy.Create(req.Context(), intake)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"deploymentId": dep.ID})
	case http.MethodGet:
		page, _ := strconv.Atoi(req.URL.Query().Get("page"))
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		deployments, total, err := r.deploy.List(req.Context(), repository.DeploymentFilter{
			Page:     page,
			Limit:    limit,
			State:    req.URL.Query().Get("status"),
			Provider: req.URL.Query().Get("provider"),
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		views := make([]deploymentView, 0, len(deployments))
		for _, dep := range deployments {
			views = append(views, viewOf(&dep))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"deployments": views,
			"total":       total,
			"page":        max(page, 1),
		})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDeploySubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/deploy/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 1 || parts[0] == "" {
		r.notFound(w)
		return
	}
	id := parts[0]
	switch {
	case len(parts) == 2 && parts[1] == "status" && req.Method == http.MethodGet:
		r.handleDeployStatus(w, req, id)
	case len(parts) == 2 && parts[1] == "cancel" && req.Method == http.MethodPost:
		r.handleDeployCancel(w, req, id)
	case len(parts) == 2 && parts[1] == "logs" && req.Method == http.MethodGet:
		r.handleDeployLogs(w, req, id)
	case len(parts) == 3 && parts[1] == "logs" && parts[2] == "sse" && req.Method == http.MethodGet:
		r.handleDeployLogsSSE(w, req, id)
	case len(parts) == 3 && parts[1] == "logs" && parts[2] == "ws" && req.Method == http.MethodGet:
		r.handleDeployLogsWS(w, req, id)
	case len(parts) == 3 && parts[1] == "logs" && parts[2] == "summary" && req.Method == http.MethodGet:
		r.handleDeployLogsSummary(w, req, id)
	default:
		r.notFound(w)
	}
}

// deploymentView is the external shape of a deployment.
type deploymentView struct {
	ID             string                  `json:"id"`
	RepoURL        string                  `json:"repoUrl"`
	Branch         string                  `json:"branch"`
	Environment    string                  `json:"environment"`
	Budget         string                  `json:"budget"`
	State          string                  `json:"state"`
	ChosenProvider string                  `json:"chosenProvider,omitempty"`
	DeploymentURL  string                  `json:"deploymentUrl,omitempty"`
	ErrorMessage   string                  `json:"errorMessage,omitempty"`
	Detected       *domain.DetectionResult `json:"detected,omitempty"`
	CreatedAt      time.Time               `json:"createdAt"`
	UpdatedAt      time.Time               `json:"updatedAt"`
	StartedAt      *time.Time              `json:"startedAt,omitempty"`
	CompletedAt    *time.Time              `json:"completedAt,omitempty"`
}

func viewOf(dep *domain.Deployment) deploymentView {
	return deploymentView{
		ID:             dep.ID,
		RepoURL:        dep.RepoURL,
		Branch:         dep.Branch,
		Environment:    dep.Environment,
		Budget:         dep.Budget,
		State:          dep.State,
		ChosenProvider: dep.ChosenProvider,
		DeploymentURL:  dep.DeploymentURL,
		ErrorMessage:   dep.ErrorMessage,
		Detected:       dep.Detected,
		CreatedAt:      dep.CreatedAt,
		UpdatedAt:      dep.UpdatedAt,
		StartedAt:      dep.StartedAt,
		CompletedAt:    dep.CompletedAt,
	}
}

func (r *Router) handleDeployStatus(w http.ResponseWriter, req *http.Request, id string) {
	dep, err := r.deploy.Get(req.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(dep))
}

func (r *Router) handleDeployCancel(w http.ResponseWriter, req *http.Request, id string) {
	message, err := r.deploy.Cancel(req.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": message})
}

func (r *Router) handleDeployLogs(w http.ResponseWriter, req *http.Request, id string) {
	if _, err := r.deploy.Get(req.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	sinceID, _ := strconv.ParseInt(req.URL.Query().Get("since_id"), 10, 64)
	events, err := r.bus.Read(req.Context(), id, domain.LogFilter{
		Limit:   limit,
		Level:   req.URL.Query().Get("level"),
		Search:  req.URL.Query().Get("search"),
		SinceID: sinceID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (r *Router) handleDeployLogsSummary(w http.ResponseWriter, req *http.Request, id string) {
	if _, err := r.deploy.Get(req.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	summary, err := r.bus.Summary(req.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (r *Router) handleDeployLogsSSE(w http.ResponseWriter, req *http.Request, id string) {
	if _, err := r.deploy.Get(req.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	events, cancel, err := r.bus.Subscribe(req.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := NewSSEClient(w, flusher, r.logger)
	defer client.Close()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		case event, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				r.logger.Warn("marshal log event failed", "error", err)
				continue
			}
			if err := client.SendEvent("log", payload); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleDeployLogsWS(w http.ResponseWriter, req *http.Request, id string) {
	if _, err := r.deploy.Get(req.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	events, cancel, err := r.bus.Subscribe(req.Context(), id)
	if err != nil {
		conn.Close()
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() {
			cancel()
			conn.Close()
		}()
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			case event, open := <-events:
				if !open {
					return
				}
				payload, err := json.Marshal(event)
				if err != nil {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			}
		}
	}()
}

func (r *Router) handleCredentialCollection(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			Owner       string            `json:"owner"`
			Provider    string            `json:"provider"`
			Name        string            `json:"name"`
			Credentials map[string]string `json:"credentials"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if payload.Owner == "" {
			payload.Owner = defaultOwner
		}
		credential, err := r.vault.Create(req.Context(), vault.CreateInput{
			Owner:       payload.Owner,
			Provider:    payload.Provider,
			Name:        payload.Name,
			Credentials: payload.Credentials,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, credential.Summary())
	case http.MethodGet:
		owner := req.URL.Query().Get("owner")
		if owner == "" {
			owner = defaultOwner
		}
		summaries, err := r.vault.List(req.Context(), owner)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summaries)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleCredentialSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/credentials/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 1 || parts[0] == "" {
		r.notFound(w)
		return
	}
	id := parts[0]
	owner := req.URL.Query().Get("owner")
	if owner == "" {
		owner = defaultOwner
	}
	switch {
	case len(parts) == 1 && (req.Method == http.MethodPatch || req.Method == http.MethodPut):
		var payload struct {
			Name        *string           `json:"name"`
			IsActive    *bool             `json:"isActive"`
			Credentials map[string]string `json:"credentials"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		credential, err := r.vault.Update(req.Context(), id, owner, vault.UpdateInput{
			Name:        payload.Name,
			IsActive:    payload.IsActive,
			Credentials: payload.Credentials,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, credential.Summary())
	case len(parts) == 1 && req.Method == http.MethodDelete:
		if err := r.vault.Delete(req.Context(), id, owner); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "credential deleted"})
	case len(parts) == 2 && parts[1] == "validate" && req.Method == http.MethodPost:
		result, err := r.vault.Validate(req.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleRecommend(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	query := req.URL.Query()
	sizeMB, _ := strconv.ParseFloat(query.Get("size_mb"), 64)
	det := domain.DetectionResult{
		Type:      query.Get("type"),
		Framework: query.Get("framework"),
	}
	if det.Type == "" {
		det.Type = domain.TypeStatic
	}
	budget := query.Get("budget")
	if budget == "" {
		budget = domain.BudgetAny
	}
	writeJSON(w, http.StatusOK, provider.Recommend(r.providers, det, budget, sizeMB))
}

func (r *Router) handleQueueStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	stats, err := r.queue.Stats(req.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// statusRecorder captures the response status for metrics while passing
// Flush and Hijack through for SSE and websocket upgrades.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if flusher, ok := s.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := s.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("response writer does not support hijacking")
}
