// Package server provides the HTTP API for feedbackd.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/fyrsmithlabs/feedbackd/internal/ingest"
	"github.com/fyrsmithlabs/feedbackd/internal/store"
	"github.com/fyrsmithlabs/feedbackd/internal/suggestion"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server provides HTTP endpoints for feedbackd.
type Server struct {
	echo    *echo.Echo
	ingest  *ingest.Service
	reviews *suggestion.Service
	db      *store.DB
	logger  *zap.Logger
	config  *Config
}

// NewServer creates the HTTP server.
func NewServer(ingestSvc *ingest.Service, reviews *suggestion.Service, db *store.DB, logger *zap.Logger, cfg *Config) (*Server, error) {
	if ingestSvc == nil {
		return nil, fmt.Errorf("ingest service cannot be nil")
	}
	if reviews == nil {
		return nil, fmt.Errorf("suggestion service cannot be nil")
	}
	if db == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8090}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:    e,
		ingest:  ingestSvc,
		reviews: reviews,
		db:      db,
		logger:  logger,
		config:  cfg,
	}
	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/feedback", s.handleIngest)
	v1.GET("/items/:id", s.handleGetItem)
	v1.GET("/items/:id/suggestions", s.handleItemSuggestions)
	v1.GET("/suggestions/:id", s.handleGetSuggestion)
	v1.POST("/suggestions/:id/accept", s.handleAcceptSuggestion)
	v1.POST("/suggestions/:id/dismiss", s.handleDismissSuggestion)
	v1.GET("/collections", s.handleListCollections)
	v1.POST("/collections", s.handleCreateCollection)
	v1.POST("/posts", s.handleCreatePost)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// IngestRequest is the request body for POST /api/v1/feedback.
type IngestRequest struct {
	ingest.SourceContext
	Seed ingest.Seed `json:"seed"`
}

func (s *Server) handleIngest(c echo.Context) error {
	var req IngestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.SourceID == "" || req.SourceType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sourceId and sourceType are required")
	}

	result, err := s.ingest.Ingest(c.Request().Context(), req.Seed, req.SourceContext)
	if err != nil {
		if errors.Is(err, ingest.ErrEmptyContent) {
			return echo.NewHTTPError(http.StatusBadRequest, "seed content is empty")
		}
		s.logger.Error("ingest failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "ingestion failed")
	}

	status := http.StatusAccepted
	if result.Deduplicated {
		status = http.StatusOK
	}
	return c.JSON(status, result)
}

// ItemResponse is the processing view of one raw item.
type ItemResponse struct {
	ID           string `json:"id"`
	SourceID     string `json:"sourceId"`
	SourceType   string `json:"sourceType"`
	ExternalID   string `json:"externalId"`
	State        string `json:"state"`
	AttemptCount int    `json:"attemptCount"`
	LastError    string `json:"lastError,omitempty"`
	IdentityID   string `json:"identityId,omitempty"`
	SignalCount  int    `json:"signalCount"`
}

func (s *Server) handleGetItem(c echo.Context) error {
	ctx := c.Request().Context()
	item, err := s.db.GetItem(ctx, c.Param("id"))
	if err != nil {
		return s.storeError(err, "item")
	}
	signals, err := s.db.SignalStates(ctx, item.ID)
	if err != nil {
		s.logger.Error("loading signal states", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "loading item failed")
	}

	return c.JSON(http.StatusOK, ItemResponse{
		ID:           item.ID,
		SourceID:     item.SourceID,
		SourceType:   item.SourceType,
		ExternalID:   item.ExternalID,
		State:        string(item.State),
		AttemptCount: item.AttemptCount,
		LastError:    item.LastError,
		IdentityID:   item.IdentityID,
		SignalCount:  len(signals),
	})
}

// SuggestionResponse is the review view of one suggestion.
type SuggestionResponse struct {
	ID           string  `json:"id"`
	Type         string  `json:"type"`
	ItemID       string  `json:"itemId"`
	SignalID     string  `json:"signalId,omitempty"`
	TargetPostID string  `json:"targetPostId,omitempty"`
	Similarity   float64 `json:"similarity,omitempty"`
	Title        string  `json:"title,omitempty"`
	Body         string  `json:"body,omitempty"`
	CollectionID string  `json:"collectionId,omitempty"`
	Reasoning    string  `json:"reasoning"`
	Status       string  `json:"status"`
	ResultPostID string  `json:"resultPostId,omitempty"`
}

func suggestionResponse(sugg *store.Suggestion) SuggestionResponse {
	return SuggestionResponse{
		ID:           sugg.ID,
		Type:         string(sugg.Type),
		ItemID:       sugg.ItemID,
		SignalID:     sugg.SignalID,
		TargetPostID: sugg.TargetPostID,
		Similarity:   sugg.Similarity,
		Title:        sugg.Title,
		Body:         sugg.Body,
		CollectionID: sugg.CollectionID,
		Reasoning:    sugg.Reasoning,
		Status:       string(sugg.Status),
		ResultPostID: sugg.ResultPostID,
	}
}

func (s *Server) handleGetSuggestion(c echo.Context) error {
	sugg, err := s.db.GetSuggestion(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.storeError(err, "suggestion")
	}
	return c.JSON(http.StatusOK, suggestionResponse(sugg))
}

func (s *Server) handleItemSuggestions(c echo.Context) error {
	suggestions, err := s.db.PendingSuggestionsForItem(c.Request().Context(), c.Param("id"))
	if err != nil {
		s.logger.Error("listing suggestions", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "listing suggestions failed")
	}
	out := make([]SuggestionResponse, 0, len(suggestions))
	for _, sugg := range suggestions {
		out = append(out, suggestionResponse(sugg))
	}
	return c.JSON(http.StatusOK, out)
}

// AcceptRequest is the request body for POST /api/v1/suggestions/:id/accept.
type AcceptRequest struct {
	ResolverID string `json:"resolverId"`

	// Overrides for create suggestions. Ignored for merges.
	Title        string `json:"title,omitempty"`
	Body         string `json:"body,omitempty"`
	CollectionID string `json:"collectionId,omitempty"`
}

// AcceptResponse reports the post the accepted suggestion acted on.
type AcceptResponse struct {
	ResultPostID string `json:"resultPostId"`
}

func (s *Server) handleAcceptSuggestion(c echo.Context) error {
	ctx := c.Request().Context()

	var req AcceptRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ResolverID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "resolverId is required")
	}

	sugg, err := s.db.GetSuggestion(ctx, c.Param("id"))
	if err != nil {
		return s.storeError(err, "suggestion")
	}

	switch sugg.Type {
	case store.SuggestionMergePost:
		if err := s.reviews.AcceptMerge(ctx, sugg.ID, req.ResolverID); err != nil {
			return s.reviewError(err)
		}
		return c.JSON(http.StatusOK, AcceptResponse{ResultPostID: sugg.TargetPostID})

	case store.SuggestionCreatePost:
		post, err := s.reviews.AcceptCreate(ctx, sugg.ID, req.ResolverID, suggestion.Edits{
			Title:        req.Title,
			Body:         req.Body,
			CollectionID: req.CollectionID,
		})
		if err != nil {
			return s.reviewError(err)
		}
		return c.JSON(http.StatusOK, AcceptResponse{ResultPostID: post.ID})

	default:
		return echo.NewHTTPError(http.StatusConflict, "suggestion has unknown type")
	}
}

// DismissRequest is the request body for POST /api/v1/suggestions/:id/dismiss.
type DismissRequest struct {
	ResolverID string `json:"resolverId"`
}

func (s *Server) handleDismissSuggestion(c echo.Context) error {
	var req DismissRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ResolverID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "resolverId is required")
	}
	if err := s.reviews.Dismiss(c.Request().Context(), c.Param("id"), req.ResolverID); err != nil {
		return s.reviewError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// CollectionRequest is the request body for POST /api/v1/collections.
type CollectionRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateCollection(c echo.Context) error {
	var req CollectionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}

	coll := &store.Collection{ID: uuid.New().String(), Name: req.Name}
	if err := s.db.InsertCollection(c.Request().Context(), coll); err != nil {
		s.logger.Error("creating collection", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "creating collection failed")
	}
	return c.JSON(http.StatusCreated, coll)
}

func (s *Server) handleListCollections(c echo.Context) error {
	collections, err := s.db.ListCollections(c.Request().Context())
	if err != nil {
		s.logger.Error("listing collections", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "listing collections failed")
	}
	return c.JSON(http.StatusOK, collections)
}

// PostRequest is the request body for POST /api/v1/posts, used to seed the
// board with posts the pipeline can match against.
type PostRequest struct {
	CollectionID     string `json:"collectionId"`
	Title            string `json:"title"`
	Body             string `json:"body,omitempty"`
	AuthorIdentityID string `json:"authorIdentityId,omitempty"`
}

func (s *Server) handleCreatePost(c echo.Context) error {
	ctx := c.Request().Context()

	var req PostRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Title == "" || req.CollectionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title and collectionId are required")
	}
	if _, err := s.db.GetCollection(ctx, req.CollectionID); err != nil {
		return s.storeError(err, "collection")
	}

	post := &store.Post{
		ID:               uuid.New().String(),
		CollectionID:     req.CollectionID,
		Title:            req.Title,
		Body:             req.Body,
		AuthorIdentityID: req.AuthorIdentityID,
	}
	if err := s.db.InsertPost(ctx, post); err != nil {
		s.logger.Error("creating post", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "creating post failed")
	}
	if err := s.reviews.IndexPost(ctx, post); err != nil {
		s.logger.Warn("indexing post failed",
			zap.String("post_id", post.ID), zap.Error(err))
	}
	return c.JSON(http.StatusCreated, post)
}

// storeError maps store lookup failures to HTTP errors.
func (s *Server) storeError(err error, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, what+" not found")
	}
	s.logger.Error("store lookup failed", zap.String("what", what), zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "lookup failed")
}

// reviewError maps review action failures to HTTP errors.
func (s *Server) reviewError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "suggestion not found")
	case errors.Is(err, store.ErrInvalidState):
		return echo.NewHTTPError(http.StatusConflict, "suggestion already resolved")
	case errors.Is(err, suggestion.ErrWrongType):
		return echo.NewHTTPError(http.StatusConflict, "suggestion has wrong type for this action")
	case errors.Is(err, suggestion.ErrNoCollection):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "a target collection is required")
	default:
		s.logger.Error("review action failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "review action failed")
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
