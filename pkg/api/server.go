package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/arklabs/ark/pkg/agents"
	"github.com/arklabs/ark/pkg/bus"
	"github.com/arklabs/ark/pkg/errbus"
	"github.com/arklabs/ark/pkg/federation"
	"github.com/arklabs/ark/pkg/generation"
	"github.com/arklabs/ark/pkg/lattice"
	"github.com/arklabs/ark/pkg/log"
	"github.com/arklabs/ark/pkg/orchestrator"
	"github.com/arklabs/ark/pkg/scoring"
)

// Options wires the server to the subsystems it fronts. Federation fields
// may be nil when federation is disabled; the endpoints then answer 503.
type Options struct {
	ListenAddr string
	Version    string

	Orchestrator *orchestrator.Orchestrator
	Agents       *agents.Set
	Bus          *bus.Bus
	Errors       *errbus.Bus
	Store        *lattice.Store
	Engine       *generation.Engine
	Rulesets     map[string][]scoring.Rule

	Registry  *federation.Registry
	Sync      *federation.Engine
	FedEvents *federation.Hub
}

// Server is the HTTP and WebSocket front of the node.
type Server struct {
	opts   Options
	router chi.Router
	http   *http.Server
}

// NewServer builds the router. Start must be called to begin serving.
func NewServer(opts Options) *Server {
	s := &Server{opts: opts}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/health", s.health)
	r.Get("/agents", s.listAgents)

	r.Post("/requests", s.submitRequest)
	r.Get("/requests/{cid}", s.getRequest)
	r.Post("/requests/{cid}/cancel", s.cancelRequest)

	r.Get("/lattice/stats", s.latticeStats)
	r.Post("/lattice/query", s.latticeQuery)
	r.Get("/lattice/node/{id}", s.getNode)
	r.Post("/lattice/node", s.putNode)
	r.Delete("/lattice/node/{id}", s.deleteNode)

	r.Post("/generate", s.generate)
	r.Post("/validate", s.validate)

	r.Get("/federation/info", s.federationInfo)
	r.Get("/federation/peers", s.listPeers)
	r.Post("/federation/peers", s.addPeer)
	r.Delete("/federation/peers/{peer_id}", s.removePeer)
	r.Post("/federation/sync", s.triggerSync)
	r.Post("/federation/manifest", s.receiveManifest)
	r.Post("/federation/nodes", s.receiveNodes)

	r.Get("/ws/requests/{cid}", s.wsRequest)
	r.Get("/ws/federation", s.wsFederation)

	s.router = r
	return s
}

// Handler exposes the router, used by tests and by embedding setups.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving on the configured address and returns once the
// listener is bound.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return err
	}

	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.WithComponent("api").Info().Str("addr", lis.Addr().String()).Msg("http api listening")
	go func() {
		if err := s.http.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.WithComponent("api").Error().Err(err).Msg("http server stopped")
		}
	}()
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
