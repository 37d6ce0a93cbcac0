package metrics

import (
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Server serves /metrics and /healthz.
type Server struct {
	srv  *fasthttp.Server
	addr string
}

// NewServer creates a server for the metrics in gatherer.
func NewServer(addr string, gatherer prometheus.Gatherer) *Server {
	metricsHandler := fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
	)
	handler := func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/metrics":
			metricsHandler(ctx)
		case "/healthz":
			ctx.SetContentType("application/json")
			ctx.SetBodyString(`{"status":"ok"}`)
		default:
			ctx.Error("not found", fasthttp.StatusNotFound)
		}
	}

	return &Server{
		addr: addr,
		srv: &fasthttp.Server{
			Handler:               handler,
			Name:                  "ephemera-metrics",
			NoDefaultServerHeader: true,
		},
	}
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	logrus.WithFields(logrus.Fields{
		"function": "Server.Serve",
		"addr":     ln.Addr().String(),
	}).Info("Metrics endpoint listening")
	return s.srv.Serve(ln)
}

// ListenAndServe listens on the configured address.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown stops accepting connections and waits for active ones.
func (s *Server) Shutdown() error {
	return s.srv.Shutdown()
}
