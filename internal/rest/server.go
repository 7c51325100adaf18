package rest

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowent/flowent/internal/config"
	"github.com/flowent/flowent/internal/log"
	"github.com/flowent/flowent/internal/rest/middleware"
	"github.com/flowent/flowent/pkg/bpmn"
)

type Server struct {
	sync.RWMutex
	engine *bpmn.Engine
	addr   string
	server *http.Server
}

func NewServer(engine *bpmn.Engine, conf config.Config) *Server {
	r := chi.NewRouter()
	s := Server{
		engine: engine,
		addr:   conf.Server.Addr,
		server: &http.Server{
			ReadHeaderTimeout: 3 * time.Second,
			Handler:           r,
			Addr:              conf.Server.Addr,
		},
	}
	r.Use(middleware.Cors())
	r.Use(middleware.Opentelemetry())
	r.Route("/v1", func(r chi.Router) {
		r.Post("/process-definitions", s.deployProcessDefinition)
		r.Get("/process-definitions/{id}", s.getProcessDefinition)

		r.Post("/process-instances", s.startProcessInstance)
		r.Get("/process-instances/{key}", s.getProcessInstance)
		r.Post("/process-instances/{key}/suspend", s.suspendProcessInstance)
		r.Post("/process-instances/{key}/resume", s.resumeProcessInstance)
		r.Post("/process-instances/{key}/cancel", s.cancelProcessInstance)
		r.Put("/process-instances/{key}/name", s.renameProcessInstance)
		r.Get("/process-instances/{key}/variables", s.getProcessInstanceVariables)
		r.Put("/process-instances/{key}/variables", s.setProcessInstanceVariables)
		r.Delete("/process-instances/{key}/variables/{name}", s.deleteProcessInstanceVariable)
		r.Get("/process-instances/{key}/events", s.getProcessInstanceEvents)

		r.Post("/messages", s.publishMessage)
		r.Post("/signals", s.broadcastSignal)

		r.Post("/tasks", s.createTask)
		r.Get("/tasks/{key}", s.getTask)
		r.Get("/tasks/{key}/variables", s.getTaskVariables)
		r.Post("/tasks/{key}/claim", s.claimTask)
		r.Post("/tasks/{key}/release", s.releaseTask)
		r.Put("/tasks/{key}/assignee", s.assignTask)
		r.Patch("/tasks/{key}", s.saveTask)
		r.Post("/tasks/{key}/complete", s.completeTask)
		r.Delete("/tasks/{key}", s.deleteTask)
		r.Get("/tasks/{key}/events", s.getTaskEvents)

		r.Post("/integrations/{key}/result", s.receiveIntegrationResult)
		r.Post("/integrations/{key}/error", s.receiveIntegrationError)
	})
	// register system endpoints
	r.Route("/system", func(r chi.Router) {
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			state, _ := json.MarshalIndent(map[string]string{
				"engine": engine.Name(),
				"status": "UP",
			}, "", " ")
			w.Header().Add("Content-Type", "application/json")
			w.Write(state)
		})
	})
	return &s
}

func (s *Server) Start() net.Listener {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		log.Error("failed to listen: %v", err)
	}
	log.Info("Flowent REST server listening on %s", s.addr)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("Error starting server: %s", err)
		}
	}()
	return listener
}

func (s *Server) Stop(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	if err != nil {
		log.Error("Error stopping server: %s", err)
	}
}
