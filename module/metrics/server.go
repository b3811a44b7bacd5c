package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/onflow/flow-sidetask/module/component"
	"github.com/onflow/flow-sidetask/module/irrecoverable"
)

const shutdownTimeout = 5 * time.Second

// Server is the http server that serves the `/metrics` endpoint for prometheus, plus any
// diagnostic routes registered on its router before it is started.
type Server struct {
	component.Component

	log    zerolog.Logger
	addr   string
	router *mux.Router
	server *http.Server
}

// NewServer creates a new server that will listen on the specified port. Metrics are
// gathered from the given gatherer.
func NewServer(log zerolog.Logger, port uint, gatherer prometheus.Gatherer) *Server {
	addr := ":" + strconv.Itoa(int(port))

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
	})

	m := &Server{
		log:    log.With().Str("component", "metrics_server").Logger(),
		addr:   addr,
		router: router,
		server: &http.Server{Addr: addr, Handler: c.Handler(router), ReadHeaderTimeout: 5 * time.Second},
	}

	m.Component = component.NewComponentManagerBuilder().
		AddWorker(m.serve).
		Build()

	return m
}

// Router exposes the router so that callers can register additional routes.
// Routes must be registered before the server is started.
func (m *Server) Router() *mux.Router {
	return m.router
}

func (m *Server) serve(ctx irrecoverable.SignalerContext, ready component.ReadyFunc) {
	listener, err := net.Listen("tcp", m.addr)
	if err != nil {
		ctx.Throw(err)
	}

	m.log.Info().Str("address", listener.Addr().String()).Msg("metrics server started")
	ready()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = m.server.Shutdown(shutdownCtx)
	}()

	err = m.server.Serve(listener)
	if err != nil {
		// http.ErrServerClosed is returned when Close or Shutdown is called
		// we don't consider this an error, so print this with debug level instead
		if errors.Is(err, http.ErrServerClosed) {
			m.log.Debug().Err(err).Msg("metrics server shutdown")
			return
		}
		ctx.Throw(err)
	}
}
