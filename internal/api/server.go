package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/dm1-registry-pipeline/internal/domain"
	"github.com/dm1-registry-pipeline/internal/middleware"
	"github.com/dm1-registry-pipeline/internal/registry"
	"github.com/dm1-registry-pipeline/internal/vocabulary"
)

// RunLauncher starts pipeline runs.
type RunLauncher interface {
	Execute(ctx context.Context, datasetID, vocabularyVersion string) (*domain.RunSummary, error)
}

// RunReader reads run summaries and their output rows.
type RunReader interface {
	Get(ctx context.Context, runID string) (*domain.RunSummary, error)
}

// UnmappedReader lists the unmapped rows a run produced.
type UnmappedReader interface {
	UnmappedByRun(ctx context.Context, runID string, limit, offset int) ([]*domain.TargetRow, error)
}

// PairAdjudicator exposes the human review surface of the linkage engine.
type PairAdjudicator interface {
	PendingReview(ctx context.Context, limit, offset int) ([]*domain.CandidatePair, error)
	Resolve(ctx context.Context, pairID string, decision domain.PairDecision, masterID, actor, rationale string) (*domain.CandidatePair, error)
	Corroborate(ctx context.Context, signal *domain.CorroborationSignal) (*domain.CandidatePair, error)
}

// ConceptRegistry exposes custom concept curation.
type ConceptRegistry interface {
	Create(ctx context.Context, req registry.CreateRequest) (*domain.CustomConcept, error)
	Retire(ctx context.Context, localID, replacedBy int64, actor, reason string) (*domain.CustomConcept, error)
	List(ctx context.Context, state domain.LifecycleState, limit, offset int) ([]*domain.CustomConcept, error)
	ReviewCandidates(ctx context.Context, snap *vocabulary.Snapshot) ([]*domain.RetirementCandidate, error)
}

// Server represents the HTTP server
type Server struct {
	configManager domain.ConfigManager
	router        *gin.Engine
	server        *http.Server
	log           *logrus.Logger

	runs     RunLauncher
	runStore RunReader
	unmapped UnmappedReader
	pairs    PairAdjudicator
	concepts ConceptRegistry
	vocab    vocabulary.Store
	events   *EventHub
}

// Deps bundles the services the HTTP layer fronts.
type Deps struct {
	Runs     RunLauncher
	RunStore RunReader
	Unmapped UnmappedReader
	Pairs    PairAdjudicator
	Concepts ConceptRegistry
	Vocab    vocabulary.Store
	Events   *EventHub
}

// NewServer creates a new HTTP server instance
func NewServer(configManager domain.ConfigManager, deps Deps, logger *logrus.Logger) *Server {
	cfg := configManager.GetConfig()

	// Set Gin mode based on environment
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Add middleware
	router.Use(middleware.AccessLogger())
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CorrelationID())

	server := &Server{
		configManager: configManager,
		router:        router,
		log:           logger,
		runs:          deps.Runs,
		runStore:      deps.RunStore,
		unmapped:      deps.Unmapped,
		pairs:         deps.Pairs,
		concepts:      deps.Concepts,
		vocab:         deps.Vocab,
		events:        deps.Events,
	}

	// Setup routes
	server.setupRoutes()

	return server
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	cfg := s.configManager.GetServerConfig()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.events != nil {
		s.events.Close()
	}
	return s.server.Shutdown(shutdownCtx)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.router.GET("/health", s.handleHealth)

	// API v1 routes
	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/runs", s.handleStartRun)
		v1.GET("/runs/:id", s.handleGetRun)
		v1.GET("/runs/:id/unmapped", s.handleRunUnmapped)

		v1.GET("/pairs", s.handlePendingPairs)
		v1.POST("/pairs/:id/resolve", s.handleResolvePair)
		v1.POST("/pairs/:id/corroborate", s.handleCorroboratePair)

		v1.POST("/concepts/custom", s.handleCreateConcept)
		v1.POST("/concepts/custom/:id/retire", s.handleRetireConcept)
		v1.GET("/concepts/custom", s.handleListConcepts)
		v1.GET("/concepts/custom/review", s.handleReviewConcepts)

		v1.GET("/vocabulary/versions", s.handleVocabularyVersions)
	}

	if s.events != nil {
		s.router.GET("/ws/runs", func(c *gin.Context) {
			s.events.ServeWS(c.Writer, c.Request)
		})
	}
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"version":   "1.0.0",
	})
}

type startRunRequest struct {
	DatasetID         string `json:"dataset_id" binding:"required"`
	VocabularyVersion string `json:"vocabulary_version" binding:"required"`
}

func (s *Server) handleStartRun(c *gin.Context) {
	var req startRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	summary, err := s.runs.Execute(c.Request.Context(), req.DatasetID, req.VocabularyVersion)
	if err != nil {
		// A failed run still carries its summary for diagnostics
		status := statusFor(err)
		body := gin.H{"error": err.Error()}
		if summary != nil {
			body["summary"] = summary
		}
		c.JSON(status, body)
		return
	}

	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleGetRun(c *gin.Context) {
	summary, err := s.runStore.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleRunUnmapped(c *gin.Context) {
	limit, offset := pagination(c)
	rows, err := s.unmapped.UnmappedByRun(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows, "count": len(rows)})
}

func (s *Server) handlePendingPairs(c *gin.Context) {
	limit, offset := pagination(c)
	pairs, err := s.pairs.PendingReview(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pairs": pairs, "count": len(pairs)})
}

type resolvePairRequest struct {
	Decision  string `json:"decision" binding:"required"`
	MasterID  string `json:"master_id"`
	Actor     string `json:"actor" binding:"required"`
	Rationale string `json:"rationale" binding:"required"`
}

func (s *Server) handleResolvePair(c *gin.Context) {
	var req resolvePairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	decision := domain.PairDecision(req.Decision)
	if decision != domain.DECISION_MERGE && decision != domain.DECISION_REJECT {
		c.JSON(http.StatusBadRequest, gin.H{"error": "decision must be MERGE or REJECT"})
		return
	}

	pair, err := s.pairs.Resolve(c.Request.Context(), c.Param("id"), decision, req.MasterID, req.Actor, req.Rationale)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, pair)
}

type corroborateRequest struct {
	Modality   string `json:"modality" binding:"required"`
	Concordant bool   `json:"concordant"`
}

func (s *Server) handleCorroboratePair(c *gin.Context) {
	var req corroborateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pair, err := s.pairs.Corroborate(c.Request.Context(), &domain.CorroborationSignal{
		PairID:     c.Param("id"),
		Modality:   req.Modality,
		Concordant: req.Concordant,
		ObservedAt: time.Now().UTC(),
	})
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (s *Server) handleCreateConcept(c *gin.Context) {
	var req registry.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	concept, err := s.concepts.Create(c.Request.Context(), req)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, concept)
}

type retireConceptRequest struct {
	ReplacedBy int64  `json:"replaced_by"`
	Actor      string `json:"actor" binding:"required"`
	Reason     string `json:"reason" binding:"required"`
}

func (s *Server) handleRetireConcept(c *gin.Context) {
	localID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "concept id must be numeric"})
		return
	}

	var req retireConceptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	concept, err := s.concepts.Retire(c.Request.Context(), localID, req.ReplacedBy, req.Actor, req.Reason)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, concept)
}

func (s *Server) handleListConcepts(c *gin.Context) {
	limit, offset := pagination(c)
	state := domain.LifecycleState(c.DefaultQuery("state", string(domain.CUSTOM_ACTIVE)))

	concepts, err := s.concepts.List(c.Request.Context(), state, limit, offset)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"concepts": concepts, "count": len(concepts)})
}

func (s *Server) handleReviewConcepts(c *gin.Context) {
	version := c.Query("version")
	if version == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "version query parameter is required"})
		return
	}

	snap, err := s.vocab.Snapshot(c.Request.Context(), version)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	candidates, err := s.concepts.ReviewCandidates(c.Request.Context(), snap)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"candidates": candidates, "count": len(candidates)})
}

func (s *Server) handleVocabularyVersions(c *gin.Context) {
	versions, err := s.vocab.Versions(c.Request.Context())
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions})
}

// statusFor maps service errors onto HTTP status codes
func statusFor(err error) int {
	var validation *domain.ValidationError
	switch {
	case errors.As(err, &validation), errors.Is(err, domain.ErrReasonRequired):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrVersionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRunConflict), errors.Is(err, domain.ErrLabelConflict), errors.Is(err, domain.ErrAlreadyMerged):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func pagination(c *gin.Context) (limit, offset int) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		limit = 50
	}
	offset, err = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}
