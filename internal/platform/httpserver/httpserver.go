package httpserver

import (
	"net/http"
	"time"
)

// WriteTimeout leaves room for a full reasoning round trip.
const WriteTimeout = 2 * time.Minute

// HandlerBudget is how long a handler may work before it must start writing
// its response.
const HandlerBudget = WriteTimeout - 20*time.Second

// New builds an HTTP server with sane defaults for this project.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       time.Minute,
	}
}
