package httpserver

import (
	"net/http"
	"time"
)

// New builds an HTTP server for the webhook and operator endpoints. The write
// timeout covers one full reconciliation, which may include a registry call.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}
