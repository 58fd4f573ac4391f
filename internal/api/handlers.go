package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/dorfbus/internal/executor"
	"github.com/nerrad567/dorfbus/internal/livestate"
)

// CoilResponse is a coil snapshot with the error of the operation that
// produced it, if any.
type CoilResponse struct {
	livestate.CoilSnapshot
	Error string `json:"error,omitempty"`
}

// AssignAddressRequest is the body of POST /devices/address.
type AssignAddressRequest struct {
	OldAddress *int `json:"old_address"`
	NewAddress *int `json:"new_address"`
}

// handleConfig returns the static topology.
func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.exec.Store().Topology())
}

// handleState returns the full live-state snapshot.
func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.exec.Store().Snapshot())
}

// handleReadHardwareVersion probes any bus address, configured or not.
func (s *Server) handleReadHardwareVersion(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.probeTimeout())
	defer cancel()

	version, err := s.exec.ProbeDeviceIdentity(ctx, addr)
	if err != nil {
		writeExecutorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"modbus-address":   addr,
		"hardware-version": version,
	})
}

// handleGetDevice returns one configured device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.exec.GetDevice(chi.URLParam(r, "name"))
	if err != nil {
		writeExecutorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleAssignAddress moves a unit to a new bus address and confirms it.
func (s *Server) handleAssignAddress(w http.ResponseWriter, r *http.Request) {
	var req AssignAddressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.OldAddress == nil || req.NewAddress == nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "old_address and new_address are required")
		return
	}
	oldAddr, err := toAddress(*req.OldAddress)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "old_address: "+err.Error())
		return
	}
	newAddr, err := toAddress(*req.NewAddress)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "new_address: "+err.Error())
		return
	}

	version, err := s.exec.AssignDeviceAddress(r.Context(), oldAddr, newAddr)
	if err != nil {
		writeExecutorError(w, err)
		return
	}

	s.logger.Info("device address changed via API", "old_address", oldAddr, "new_address", newAddr)
	writeJSON(w, http.StatusOK, map[string]any{
		"old_address":      oldAddr,
		"new_address":      newAddr,
		"hardware-version": version,
	})
}

// handleGetCoil returns the cached state of one coil.
func (s *Server) handleGetCoil(w http.ResponseWriter, r *http.Request) {
	c, err := s.exec.GetCoil(chi.URLParam(r, "name"))
	if err != nil {
		writeExecutorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleSetCoil switches one coil. The body is a bare JSON boolean.
func (s *Server) handleSetCoil(w http.ResponseWriter, r *http.Request) {
	on, err := decodeBool(r.Body)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	c, err := s.exec.SetCoil(r.Context(), chi.URLParam(r, "name"), on)
	if err != nil {
		writeExecutorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleCoilHistory returns recent recorded changes of one coil.
func (s *Server) handleCoilHistory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := s.exec.GetCoil(name); err != nil {
		writeExecutorError(w, err)
		return
	}
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "history is not enabled")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.history.CoilHistory(r.Context(), name, limit)
	if err != nil {
		s.logger.Error("reading coil history failed", "coil", name, "error", err)
		writeInternalError(w, "failed to read history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"coil":    name,
		"entries": entries,
		"count":   len(entries),
	})
}

// handleGetTag returns the cached state of every coil carrying a tag.
func (s *Server) handleGetTag(w http.ResponseWriter, r *http.Request) {
	coils, err := s.exec.GetTag(chi.URLParam(r, "name"))
	if err != nil {
		writeExecutorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, coils)
}

// handleSetTag switches every coil of a tag. Partial failure answers 502 with
// the per-coil outcome.
func (s *Server) handleSetTag(w http.ResponseWriter, r *http.Request) {
	on, err := decodeBool(r.Body)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	outcomes, err := s.exec.SetTag(r.Context(), chi.URLParam(r, "name"), on)
	var tagErr *executor.TagError
	switch {
	case errors.As(err, &tagErr):
		writeJSON(w, http.StatusBadGateway, TagFailure{
			Error: Error{
				Status:  http.StatusBadGateway,
				Code:    ErrCodePartialFailure,
				Message: tagErr.Error(),
			},
			Failed: tagErr.Failed,
			Coils:  coilResponses(outcomes),
		})
	case err != nil:
		writeExecutorError(w, err)
	default:
		writeJSON(w, http.StatusOK, coilResponses(outcomes))
	}
}

// handleResync re-probes every device, then applies default coil states when
// ?defaults=true.
func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	applyDefaults, _ := strconv.ParseBool(r.URL.Query().Get("defaults"))

	if err := s.exec.ResyncAll(r.Context()); err != nil {
		writeExecutorError(w, err)
		return
	}

	resp := map[string]any{}
	if applyDefaults {
		outcomes, err := s.exec.ApplyDefaults(r.Context())
		if err != nil {
			writeExecutorError(w, err)
			return
		}
		resp["defaults"] = coilResponses(outcomes)
	}
	resp["devices"] = s.exec.Store().Snapshot().Devices
	writeJSON(w, http.StatusOK, resp)
}

func coilResponses(outcomes []executor.CoilOutcome) []CoilResponse {
	out := make([]CoilResponse, 0, len(outcomes))
	for _, o := range outcomes {
		cr := CoilResponse{CoilSnapshot: o.Coil}
		if o.Err != nil {
			cr.Error = o.Err.Error()
		}
		out = append(out, cr)
	}
	return out
}

// decodeBool reads a request body holding exactly one JSON boolean.
func decodeBool(body io.Reader) (bool, error) {
	var v *bool
	dec := json.NewDecoder(body)
	if err := dec.Decode(&v); err != nil {
		return false, errors.New("body must be a JSON boolean")
	}
	if v == nil {
		return false, errors.New("body must be a JSON boolean")
	}
	if dec.More() {
		return false, errors.New("body must hold a single JSON boolean")
	}
	return *v, nil
}

func parseAddress(s string) (uint8, error) {
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("address %q is not in 0-255", s)
	}
	return uint8(n), nil
}

func toAddress(n int) (uint8, error) {
	if n < 0 || n > 255 {
		return 0, fmt.Errorf("%d is not in 0-255", n)
	}
	return uint8(n), nil
}
