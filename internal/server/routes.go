package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Tyrowin/wsroute/internal/control"
)

// SetupRoutes builds the HTTP router. The admin API is mounted under /admin
// only when admin is non-nil.
func SetupRoutes(h *Hub, admin *control.Plane) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", HealthHandler)
	r.HandleFunc("/health", HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/test", TestPageHandler).Methods(http.MethodGet)
	// Method validation happens in the handler so non-GET requests get a
	// descriptive 405.
	r.HandleFunc("/ws", h.WebSocketHandler)

	if admin != nil {
		api := r.PathPrefix("/admin").Subrouter()
		api.HandleFunc("/clients", ListClientsHandler(admin)).Methods(http.MethodGet)
		api.HandleFunc("/send", SendHandler(admin, h.logger.Named("admin"))).Methods(http.MethodPost)
	}
	return r
}
