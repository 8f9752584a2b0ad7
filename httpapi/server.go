// Package httpapi exposes the order workflow over HTTP: start an order,
// poll its status, and record the manager's approval decision.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/engine"
	"github.com/goliatone/go-durable/orders"
)

// ApprovalDecision is the approval endpoint's request body.
type ApprovalDecision struct {
	Approved bool `json:"isApproved"`
}

type startResponse struct {
	OrderID    string `json:"orderId"`
	InstanceID string `json:"instanceId"`
	StatusURL  string `json:"statusUrl"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server serves the order workflow's HTTP boundary. Input validation
// happens here so malformed requests never reach an orchestration history.
type Server struct {
	client *engine.Client
	logger durable.Logger
	http   *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides the default logger.
func WithLogger(logger durable.Logger) Option {
	return func(s *Server) {
		s.logger = durable.NormalizeLogger(logger)
	}
}

// New builds the server on addr.
func New(addr string, client *engine.Client, opts ...Option) *Server {
	s := &Server{
		client: client,
		logger: durable.NewFmtLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route table, usable standalone in tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /orders", s.handleStart)
	mux.HandleFunc("GET /orders/{id}", s.handleStatus)
	mux.HandleFunc("POST /orders/{id}/approval", s.handleApproval)
	return mux
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http api listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var order orders.OrderRequest
	if ok := s.decode(w, r, &order, "Invalid JSON format. Please provide a valid order request."); !ok {
		return
	}

	if v := order.Validate(); !v.Valid {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: v.Error})
		return
	}

	instanceID := orders.InstanceID(order.OrderID)
	inst, err := s.client.StartInstance(r.Context(), instanceID, order)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, startResponse{
		OrderID:    order.OrderID,
		InstanceID: inst.ID,
		StatusURL:  "/orders/" + order.OrderID,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	instanceID := orders.InstanceID(r.PathValue("id"))
	status, err := s.client.GetStatus(r.Context(), instanceID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	var decision ApprovalDecision
	if ok := s.decode(w, r, &decision, `Invalid JSON. Expected: { "isApproved": true/false }`); !ok {
		return
	}

	instanceID := orders.InstanceID(r.PathValue("id"))
	if err := s.client.RaiseEvent(r.Context(), instanceID, orders.ManagerApprovalEvent, decision.Approved); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"instanceId": instanceID})
}

// decode reads the body into out, rejecting empty and malformed payloads.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, out any, badJSON string) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Failed to read request body."})
		return false
	}
	if len(body) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Request body cannot be empty."})
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		s.logger.Warn("request decode failed: %v", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: badJSON})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch durable.ErrorCode(err) {
	case durable.ErrCodeInstanceNotFound:
		status = http.StatusNotFound
	case durable.ErrCodeInstanceNotRunning:
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed: %v", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
