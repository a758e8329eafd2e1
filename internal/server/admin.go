package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/Tyrowin/wsroute/internal/control"
	"github.com/Tyrowin/wsroute/internal/router"
	"github.com/Tyrowin/wsroute/internal/session"
)

// maxAdminBody bounds the size of a send request body.
const maxAdminBody = 1 << 20

type clientsResponse struct {
	Count   int                  `json:"count"`
	Clients []session.Info       `json:"clients"`
	Groups  []control.GroupCount `json:"groups"`
}

type sendRequest struct {
	Target  string `json:"target"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ListClientsHandler returns every connected session and the per-group counts.
func ListClientsHandler(plane *control.Plane) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		clients := plane.List()
		writeJSON(w, http.StatusOK, clientsResponse{
			Count:   len(clients),
			Clients: clients,
			Groups:  plane.Groups(),
		})
	}
}

// SendHandler delivers {"target", "message"} and responds with the delivery
// report.
func SendHandler(plane *control.Plane, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
			return
		}

		report, err := plane.Send(r.Context(), req.Target, req.Message)
		switch {
		case errors.Is(err, router.ErrEmptyTarget), errors.Is(err, control.ErrEmptyMessage):
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		case err != nil:
			logger.Error("admin send failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}

		writeJSON(w, http.StatusOK, report)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
