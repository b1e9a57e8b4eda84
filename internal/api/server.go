package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chronosvault/trinity-relayer/internal/config"
	"github.com/chronosvault/trinity-relayer/internal/types"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	log "github.com/sirupsen/logrus"
)

// SwapService interface for swap operations
type SwapService interface {
	CreateSwap(ctx context.Context, req *types.CreateSwapRequest) (*types.CreateSwapResponse, error)
	GetSwap(ctx context.Context, id string) (*types.Swap, error)
	ListSwaps(ctx context.Context, chain, status, address string) ([]*types.Swap, error)
	ClaimSwap(ctx context.Context, id, secret string) (*types.SubmitResponse, error)
	RefundSwap(ctx context.Context, id string) (*types.SubmitResponse, error)
	SubmitAttestation(ctx context.Context, att *types.Attestation) (*types.AttestationResponse, error)
	Quote(ctx context.Context, body *types.QuoteRequestBody) (*types.Quote, error)
	ChainStatus() types.SystemHealth
}

// Server represents the HTTP API server
type Server struct {
	server      *http.Server
	config      config.API
	swapService SwapService
	router      chi.Router
}

// NewServer creates a new API server
func NewServer(cfg config.API, swapService SwapService) *Server {
	router := chi.NewRouter()

	server := &Server{
		config:      cfg,
		swapService: swapService,
		router:      router,
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}

	server.setupRoutes()
	return server
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves HTTP until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	log.Infof("starting API server on %s", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(corsMiddleware)

	s.router.Get("/health", s.healthHandler)
	s.router.Post("/quote", s.quoteHandler)
	s.router.Get("/chains/status", s.chainStatusHandler)
	s.router.Post("/attestations", s.submitAttestationHandler)

	s.router.Route("/swaps", func(r chi.Router) {
		r.Post("/", s.createSwapHandler)
		r.Get("/", s.listSwapsHandler)
		r.Get("/{id}", s.getSwapHandler)
		r.Post("/{id}/claim", s.claimSwapHandler)
		r.Post("/{id}/refund", s.refundSwapHandler)
	})

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeErrorResponse(w, http.StatusNotFound, "Endpoint not found", nil)
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := s.swapService.ChainStatus()
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "trinity-relayer",
		"score":     health.Score,
	})
}

func (s *Server) chainStatusHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, s.swapService.ChainStatus())
}

func (s *Server) quoteHandler(w http.ResponseWriter, r *http.Request) {
	var body types.QuoteRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}

	quote, err := s.swapService.Quote(r.Context(), &body)
	if err != nil {
		s.writeServiceError(w, "Failed to compute quote", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, quote)
}

func (s *Server) createSwapHandler(w http.ResponseWriter, r *http.Request) {
	var req types.CreateSwapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}

	resp, err := s.swapService.CreateSwap(r.Context(), &req)
	if err != nil {
		s.writeServiceError(w, "Failed to create swap", err)
		return
	}
	s.writeJSONResponse(w, http.StatusCreated, resp)
}

func (s *Server) listSwapsHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	swaps, err := s.swapService.ListSwaps(r.Context(), query.Get("chain"), query.Get("status"), query.Get("address"))
	if err != nil {
		s.writeServiceError(w, "Failed to list swaps", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, &types.SwapListResponse{
		Swaps: swaps,
		Count: len(swaps),
	})
}

func (s *Server) getSwapHandler(w http.ResponseWriter, r *http.Request) {
	swap, err := s.swapService.GetSwap(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, "Failed to get swap", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, swap)
}

func (s *Server) claimSwapHandler(w http.ResponseWriter, r *http.Request) {
	var req types.ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}

	resp, err := s.swapService.ClaimSwap(r.Context(), chi.URLParam(r, "id"), req.Secret)
	if err != nil {
		s.writeServiceError(w, "Failed to claim swap", err)
		return
	}
	s.writeJSONResponse(w, http.StatusAccepted, resp)
}

func (s *Server) refundSwapHandler(w http.ResponseWriter, r *http.Request) {
	resp, err := s.swapService.RefundSwap(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, "Failed to refund swap", err)
		return
	}
	s.writeJSONResponse(w, http.StatusAccepted, resp)
}

func (s *Server) submitAttestationHandler(w http.ResponseWriter, r *http.Request) {
	var att types.Attestation
	if err := json.NewDecoder(r.Body).Decode(&att); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}

	resp, err := s.swapService.SubmitAttestation(r.Context(), &att)
	if err != nil {
		s.writeServiceError(w, "Attestation refused", err)
		return
	}
	s.writeJSONResponse(w, http.StatusAccepted, resp)
}

// statusCode maps service errors to HTTP status codes
func statusCode(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, types.ErrInvalidSwapParameters),
		errors.Is(err, types.ErrInvalidSecret),
		errors.Is(err, types.ErrQuoteMismatch),
		errors.Is(err, types.ErrInvalidAttestation),
		errors.Is(err, types.ErrUnknownValidator):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrSwapNotFound),
		errors.Is(err, types.ErrQuoteNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrFeeStale),
		errors.Is(err, types.ErrConflictingAttestation),
		errors.Is(err, types.ErrSwapNotClaimable),
		errors.Is(err, types.ErrSwapNotRefundable):
		return http.StatusConflict
	case errors.Is(err, types.ErrChainUnreachable),
		errors.Is(err, types.ErrNoValidatorReached):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, message string, err error) {
	s.writeErrorResponse(w, statusCode(err), message, err)
}

func (s *Server) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Error("failed to encode JSON response")
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string, err error) {
	response := map[string]interface{}{
		"error":     message,
		"status":    statusCode,
		"timestamp": time.Now().Unix(),
	}

	if err != nil {
		entry := log.WithError(err).WithField("status", statusCode)
		if statusCode >= http.StatusInternalServerError {
			entry.Error(message)
		} else {
			entry.Debug(message)
		}
		response["details"] = err.Error()
	}

	s.writeJSONResponse(w, statusCode, response)
}
