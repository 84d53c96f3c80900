package service

import (
	"context"
	"net"
	"net/http"

	"github.com/ethereum/go-ethereum/log"
	"github.com/rs/cors"
)

type HealthzServer struct {
	log      log.Logger
	server   *http.Server
	listener net.Listener
}

// Listen binds addr. Serve must be called to start answering requests.
func (h *HealthzServer) Listen(addr string) error {
	hdlr := http.NewServeMux()
	hdlr.HandleFunc("/healthz", h.Handle)
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
	})
	h.server = &http.Server{
		Handler: c.Handler(hdlr),
		Addr:    addr,
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	h.listener = l
	return nil
}

func (h *HealthzServer) Serve() error {
	return h.server.Serve(h.listener)
}

// Addr is the bound address, useful when listening on port 0.
func (h *HealthzServer) Addr() net.Addr {
	return h.listener.Addr()
}

func (h *HealthzServer) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

func (h *HealthzServer) Handle(w http.ResponseWriter, r *http.Request) {
	h.log.Debug("Received health check request", "path", r.URL.Path)
	w.Write([]byte("OK")) //nolint:errcheck
}
