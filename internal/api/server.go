// Package api exposes the read/registration HTTP surface. It projects
// orders out of the store and writes registry rows in; it never drives
// pipeline state transitions.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/udeposit/internal/core/addresses"
	"github.com/vietddude/udeposit/internal/core/domain"
	"github.com/vietddude/udeposit/internal/infra/storage"
)

// HealthCheck pings one dependency.
type HealthCheck func(ctx context.Context) error

// Server provides the HTTP endpoints.
type Server struct {
	orders        storage.OrderRepository
	registrations storage.RegistrationRepository
	checks        map[string]HealthCheck
	server        *http.Server
	log           *slog.Logger
}

// NewServer creates the HTTP server. checks maps a dependency name to its
// ping for the health endpoint.
func NewServer(
	orders storage.OrderRepository,
	registrations storage.RegistrationRepository,
	checks map[string]HealthCheck,
	port int,
) *Server {
	mux := http.NewServeMux()
	s := &Server{
		orders:        orders,
		registrations: registrations,
		checks:        checks,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
		log: slog.Default().With("component", "api"),
	}

	mux.HandleFunc("GET /orders/{id}", s.handleGetOrder)
	mux.HandleFunc("GET /orders", s.handleListOrders)
	mux.HandleFunc("POST /registrations", s.handleRegister)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Start starts the HTTP server. Blocks until the server stops.
func (s *Server) Start() error {
	s.log.Info("API server listening", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.orders.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load order")
		return
	}
	if order == nil {
		s.writeError(w, http.StatusNotFound, "order not found")
		return
	}
	s.writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	recipient := r.URL.Query().Get("recipient")
	if !common.IsHexAddress(recipient) {
		s.writeError(w, http.StatusBadRequest, "recipient query parameter must be a hex address")
		return
	}

	orders, err := s.orders.GetByRecipient(r.Context(), common.HexToAddress(recipient).Hex())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load orders")
		return
	}

	out := make([]*orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderResponse(o))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !common.IsHexAddress(req.RecipientAddress) {
		s.writeError(w, http.StatusBadRequest, "recipientAddress must be a hex address")
		return
	}
	if !common.IsHexAddress(req.DestinationToken) {
		s.writeError(w, http.StatusBadRequest, "destinationToken must be a hex address")
		return
	}
	destChain := domain.ChainID(req.DestinationChainID)
	if _, ok := domain.ChainIDToName[destChain]; !ok {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported destination chain %d", req.DestinationChainID))
		return
	}

	computed, err := addresses.ComputeDeploymentAddresses(addresses.DeploymentParams{
		RecipientAddress:   req.RecipientAddress,
		DestinationToken:   req.DestinationToken,
		DestinationChainID: destChain,
	})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reg := &domain.Registration{
		RecipientAddress: common.HexToAddress(req.RecipientAddress).Hex(),
		// Funds are sent to the proxy account; the detector watches it.
		DepositAddress:   computed.ProxyAddress,
		DestinationToken: common.HexToAddress(req.DestinationToken).Hex(),
		DestinationChain: destChain,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.registrations.Save(r.Context(), reg); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to save registration")
		return
	}

	s.log.Info("Recipient registered", "recipient", reg.RecipientAddress, "deposit", reg.DepositAddress)
	s.writeJSON(w, http.StatusCreated, registrationResponse{
		RecipientAddress:   reg.RecipientAddress,
		DepositAddress:     reg.DepositAddress,
		DestinationToken:   reg.DestinationToken,
		DestinationChainID: uint64(reg.DestinationChain),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	report := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			report[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		report[name] = "ok"
	}
	s.writeJSON(w, status, report)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
