// Package control exposes the generation service management API:
// tenant CRUD, CA key publication, metrics tags and graceful shutdown.
package control

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/sagernet/fakecert/adapter"
	C "github.com/sagernet/fakecert/constant"
	"github.com/sagernet/fakecert/frontend"
	"github.com/sagernet/fakecert/option"
	"github.com/sagernet/fakecert/tenant"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/json"
	"github.com/sagernet/sing/common/logger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
)

var _ adapter.Lifecycle = (*Server)(nil)

type Server struct {
	logger     logger.ContextLogger
	registry   *tenant.Registry
	frontend   *frontend.Frontend
	shutdown   func()
	httpServer *http.Server
	listener   net.Listener
}

func NewServer(logger logger.ContextLogger, registry *tenant.Registry, serviceFrontend *frontend.Frontend, shutdown func(), options option.ControlOptions) *Server {
	chiRouter := chi.NewRouter()
	server := &Server{
		logger:   logger,
		registry: registry,
		frontend: serviceFrontend,
		shutdown: shutdown,
		httpServer: &http.Server{
			Addr:    options.Listen,
			Handler: chiRouter,
		},
	}
	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	})
	chiRouter.Use(corsMiddleware.Handler)
	chiRouter.Group(func(r chi.Router) {
		r.Use(authentication(options.Secret))
		r.Get("/", hello)
		r.Get("/version", version)
		r.Get("/stats", server.getStats)
		r.Post("/stats/tags", server.addStatsTag)
		r.Post("/shutdown", server.postShutdown)
		r.Route("/tenants", func(r chi.Router) {
			r.Get("/", server.listTenants)
			r.Post("/", server.createTenant)
			r.Route("/{name}", func(r chi.Router) {
				r.Delete("/", server.deleteTenant)
				r.Post("/key", server.publishKey)
			})
		})
	})
	return server
}

func (s *Server) Start(stage adapter.StartStage) error {
	if stage != adapter.StartStateStart {
		return nil
	}
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return E.Cause(err, "control api listen error")
	}
	s.listener = listener
	s.logger.Info("control api listening at ", listener.Addr())
	go func() {
		serveErr := s.httpServer.Serve(listener)
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			s.logger.Error("control api serve error: ", serveErr)
		}
	}()
	return nil
}

func (s *Server) Close() error {
	return s.httpServer.Close()
}

// ListenAddr reports the bound address, useful when listening on port 0.
func (s *Server) ListenAddr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func authentication(serverSecret string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			if serverSecret == "" {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Authorization")
			bearer, token, found := strings.Cut(header, " ")
			hasInvalidHeader := bearer != "Bearer"
			hasInvalidSecret := !found || token != serverSecret
			if hasInvalidHeader || hasInvalidSecret {
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(fn)
	}
}

func hello(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, render.M{"hello": "fakecert"})
}

func version(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, render.M{"version": C.Version})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.registry.Stats())
}

type statsTagRequest struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (s *Server) addStatsTag(w http.ResponseWriter, r *http.Request) {
	var request statsTagRequest
	err := json.NewDecoder(r.Body).Decode(&request)
	if err != nil || request.Name == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrBadRequest)
		return
	}
	s.frontend.AddMetricsLabel(request.Name, request.Value)
	render.NoContent(w, r)
}

func (s *Server) postShutdown(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, render.M{"shutdown": "ok"})
	if s.shutdown != nil {
		go s.shutdown()
	}
}

func (s *Server) listTenants(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, render.M{"tenants": s.registry.List()})
}

func (s *Server) createTenant(w http.ResponseWriter, r *http.Request) {
	var tenantOptions option.TenantOptions
	err := json.NewDecoder(r.Body).Decode(&tenantOptions)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrBadRequest)
		return
	}
	generator, err := s.registry.Create(tenantOptions)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, newError(err.Error()))
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, tenant.Info{ID: generator.ID(), Name: generator.Name()})
}

func (s *Server) deleteTenant(w http.ResponseWriter, r *http.Request) {
	err := s.registry.Remove(chi.URLParam(r, "name"))
	if err != nil {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, ErrNotFound)
		return
	}
	render.NoContent(w, r)
}

type publishKeyRequest struct {
	CACertificate string `json:"ca_certificate"`
	CAPrivateKey  string `json:"ca_private_key"`
}

func (s *Server) publishKey(w http.ResponseWriter, r *http.Request) {
	var request publishKeyRequest
	err := json.NewDecoder(r.Body).Decode(&request)
	if err != nil || request.CACertificate == "" || request.CAPrivateKey == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrBadRequest)
		return
	}
	name := chi.URLParam(r, "name")
	if _, loaded := s.registry.Generator(name); !loaded {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, ErrNotFound)
		return
	}
	err = s.registry.PublishKey(name, []byte(request.CACertificate), []byte(request.CAPrivateKey))
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, newError(err.Error()))
		return
	}
	render.NoContent(w, r)
}
