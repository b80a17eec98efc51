package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"VoiceBargainer/internal/callsession"
	"VoiceBargainer/internal/config"
	"VoiceBargainer/internal/logger"
	"VoiceBargainer/internal/model"
	"VoiceBargainer/internal/negotiation"
	"VoiceBargainer/internal/orchestrator"
	"VoiceBargainer/internal/store"
	"VoiceBargainer/internal/telephony"
)

// HealthFunc 检查下游依赖是否可用
type HealthFunc func(ctx context.Context) error

// Deps HTTP服务依赖
type Deps struct {
	Manager      *callsession.Manager
	Orchestrator *orchestrator.Orchestrator
	Deals        store.DealStore
	Streams      http.Handler
	Health       HealthFunc
	Signature    *telephony.SignatureValidator
	Auth         *Authenticator
	Hub          *logger.Hub
}

// APIServer 电话回调、媒体流入口和运营API
type APIServer struct {
	router *mux.Router
	server *http.Server
	deps   Deps

	// 统计信息
	requestCount int64
	responseTime []time.Duration
	errorCount   int64
	startTime    time.Time
	mu           sync.RWMutex
}

// API响应结构
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Code      string      `json:"code,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// NegotiationRequest 启动一批谈判
type NegotiationRequest struct {
	Trip    model.TripContext `json:"trip"`
	Vendors []model.Vendor    `json:"vendors"`
}

// Analysis 最近一轮的状态机分析
type Analysis struct {
	From           model.Status   `json:"from"`
	To             model.Status   `json:"to"`
	Transitions    []model.Status `json:"transitions"`
	Round          int            `json:"round"`
	Quote          *int64         `json:"quote,omitempty"`
	Counter        *int64         `json:"counter,omitempty"`
	Discount       int64          `json:"discount_offered"`
	Decision       string         `json:"decision"`
	NextAction     string         `json:"next_action"`
	Confidence     float64        `json:"confidence"`
	Phase          string         `json:"negotiation_phase,omitempty"`
	CloseEnough    bool           `json:"close_enough,omitempty"`
	OracleFallback bool           `json:"oracle_fallback,omitempty"`
}

// SessionView 会话详情
type SessionView struct {
	Session  *model.CallSession `json:"session"`
	Analysis *Analysis          `json:"analysis,omitempty"`
}

func analysisOf(step *negotiation.Step) *Analysis {
	if step == nil {
		return nil
	}
	return &Analysis{
		From:           step.From,
		To:             step.To,
		Transitions:    step.Transitions,
		Round:          step.Round,
		Quote:          step.Quote,
		Counter:        step.Counter,
		Discount:       step.Discount,
		Decision:       string(step.Decision),
		NextAction:     step.NextAction,
		Confidence:     step.Confidence,
		Phase:          step.Phase,
		CloseEnough:    step.CloseEnough,
		OracleFallback: step.OracleFallback,
	}
}

// NewAPIServer 创建HTTP服务器
func NewAPIServer(cfg config.ServerConfig, deps Deps) *APIServer {
	server := &APIServer{
		router:    mux.NewRouter(),
		deps:      deps,
		startTime: time.Now(),
	}

	server.setupRoutes()

	// 设置CORS，运营面板跨域访问
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	})

	server.server = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      c.Handler(server.router),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return server
}

// setupRoutes 设置路由
func (s *APIServer) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)

	s.router.HandleFunc("/health", s.healthHandler).Methods("GET")
	if s.deps.Hub != nil {
		s.router.HandleFunc("/ws/logs", s.deps.Hub.HandleWebSocket)
	}

	// 媒体流在回调子路由之前注册，WebSocket不走表单签名校验
	if s.deps.Streams != nil {
		s.router.Handle(telephony.PathStream+"{call_id}", s.deps.Streams)
	}

	hooks := s.router.PathPrefix("/twilio").Subrouter()
	if s.deps.Signature != nil {
		hooks.Use(s.deps.Signature.Middleware)
	}
	hooks.HandleFunc("/start/{call_id}", s.startHookHandler).Methods("POST")
	hooks.HandleFunc("/gather/{call_id}", s.gatherHookHandler).Methods("POST")
	hooks.HandleFunc("/status/{call_id}", s.statusHookHandler).Methods("POST")

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/negotiations", s.createNegotiationHandler).Methods("POST")
	api.HandleFunc("/negotiations/{trip_id}", s.getNegotiationHandler).Methods("GET")
	api.HandleFunc("/trips/{trip_id}/deals", s.getDealsHandler).Methods("GET")
	api.HandleFunc("/sessions/{call_id}", s.getSessionHandler).Methods("GET")
	api.HandleFunc("/streams", s.getStreamsHandler).Methods("GET")
	api.HandleFunc("/stats", s.statsHandler).Methods("GET")
}

// Handler 带CORS的根处理器
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

// 中间件
func (s *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)
		log.Printf("%s %s %s %v", r.Method, r.RequestURI, r.RemoteAddr, duration)
	})
}

func (s *APIServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)

		s.mu.Lock()
		s.requestCount++
		s.responseTime = append(s.responseTime, duration)
		// 保持最近1000个请求的响应时间
		if len(s.responseTime) > 1000 {
			s.responseTime = s.responseTime[1:]
		}
		s.mu.Unlock()
	})
}

func (s *APIServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Auth == nil {
			next.ServeHTTP(w, r)
			return
		}
		if _, err := s.deps.Auth.AuthenticateBearer(bearerToken(r)); err != nil {
			s.writeErrorResponse(w, http.StatusUnauthorized, "invalid_token", "A valid bearer token is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// 电话平台回调
func (s *APIServer) startHookHandler(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["call_id"]
	doc, err := s.deps.Manager.WebhookStart(r.Context(), callID)
	if err != nil {
		s.writeHookError(w, callID, err)
		return
	}
	writeTwiML(w, doc)
}

func (s *APIServer) gatherHookHandler(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["call_id"]
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	transcript := r.PostForm.Get("transcript")
	if transcript == "" {
		transcript = r.PostForm.Get("SpeechResult")
	}

	doc, err := s.deps.Manager.WebhookGather(r.Context(), callID, transcript)
	if err != nil {
		s.writeHookError(w, callID, err)
		return
	}
	writeTwiML(w, doc)
}

func (s *APIServer) statusHookHandler(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["call_id"]
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	status := r.PostForm.Get("call_status")
	if status == "" {
		status = r.PostForm.Get("CallStatus")
	}

	if err := s.deps.Manager.WebhookStatus(r.Context(), callID, status); err != nil {
		s.writeHookError(w, callID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) writeHookError(w http.ResponseWriter, callID string, err error) {
	s.mu.Lock()
	s.errorCount++
	s.mu.Unlock()

	if errors.Is(err, model.ErrInvalidSession) {
		http.Error(w, "unknown call", http.StatusNotFound)
		return
	}
	s.deps.Hub.Error("http", callID, "webhook failed: %v", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeTwiML(w http.ResponseWriter, doc string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(doc))
}

// 运营API
func (s *APIServer) createNegotiationHandler(w http.ResponseWriter, r *http.Request) {
	var req NegotiationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	tripID, err := s.deps.Orchestrator.Start(r.Context(), req.Vendors, req.Trip)
	switch {
	case errors.Is(err, orchestrator.ErrNoVendors), errors.Is(err, model.ErrInvalidTrip):
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_trip", err.Error())
		return
	case errors.Is(err, orchestrator.ErrTripRunning):
		s.writeErrorResponse(w, http.StatusConflict, "trip_running", err.Error())
		return
	case err != nil:
		s.writeErrorResponse(w, http.StatusInternalServerError, "batch_rejected", err.Error())
		return
	}

	s.deps.Hub.Info("http", "", "batch %s accepted with %d vendors", tripID, len(req.Vendors))
	s.writeJSONResponse(w, http.StatusAccepted, APIResponse{
		Success:   true,
		Data:      map[string]string{"trip_id": tripID},
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *APIServer) getNegotiationHandler(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	batch, ok := s.deps.Orchestrator.Batch(tripID)
	if !ok {
		s.writeErrorResponse(w, http.StatusNotFound, "trip_not_found", "Unknown trip "+tripID)
		return
	}
	batch.Deals = orchestrator.CheapestFirst(batch.Deals)
	s.writeSuccessResponse(w, batch)
}

func (s *APIServer) getDealsHandler(w http.ResponseWriter, r *http.Request) {
	deals, err := s.deps.Deals.ListDeals(r.Context(), mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeErrorResponse(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	if deals == nil {
		deals = []model.Deal{}
	}
	s.writeSuccessResponse(w, deals)
}

func (s *APIServer) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["call_id"]
	session, err := s.deps.Manager.Get(r.Context(), callID)
	switch {
	case errors.Is(err, model.ErrInvalidSession):
		s.writeErrorResponse(w, http.StatusNotFound, "session_not_found", "Unknown call "+callID)
		return
	case err != nil:
		s.writeErrorResponse(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	s.writeSuccessResponse(w, SessionView{Session: session, Analysis: analysisOf(s.deps.Manager.LastStep(callID))})
}

func (s *APIServer) getStreamsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeSuccessResponse(w, s.deps.Manager.Registry().List())
}

func (s *APIServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeSuccessResponse(w, s.GetStats())
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	}
	if s.deps.Manager != nil {
		status["active_streams"] = s.deps.Manager.Registry().Len()
	}
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Health(ctx); err != nil {
			status["status"] = "degraded"
			status["error"] = err.Error()
			s.writeJSONResponse(w, http.StatusServiceUnavailable, APIResponse{
				Success:   false,
				Data:      status,
				Code:      "unhealthy",
				Timestamp: time.Now().UnixMilli(),
			})
			return
		}
	}
	s.writeSuccessResponse(w, status)
}

// 辅助方法
func (s *APIServer) writeSuccessResponse(w http.ResponseWriter, data interface{}) {
	response := APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	s.writeJSONResponse(w, http.StatusOK, response)
}

func (s *APIServer) writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string) {
	s.mu.Lock()
	s.errorCount++
	s.mu.Unlock()

	response := APIResponse{
		Success:   false,
		Message:   message,
		Code:      code,
		Timestamp: time.Now().UnixMilli(),
	}
	s.writeJSONResponse(w, statusCode, response)
}

func (s *APIServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// Start 启动服务器，阻塞直到关闭
func (s *APIServer) Start() error {
	log.Printf("Starting HTTP server on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 停止服务器
func (s *APIServer) Shutdown(ctx context.Context) error {
	log.Printf("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// GetStats 获取服务器统计信息
func (s *APIServer) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var avgResponseTime float64
	if len(s.responseTime) > 0 {
		var total time.Duration
		for _, rt := range s.responseTime {
			total += rt
		}
		avgResponseTime = float64(total.Nanoseconds()) / float64(len(s.responseTime)) / 1e6
	}

	return map[string]interface{}{
		"uptime_seconds":       time.Since(s.startTime).Seconds(),
		"total_requests":       s.requestCount,
		"error_count":          s.errorCount,
		"avg_response_time_ms": avgResponseTime,
	}
}
