package runtime

import (
	"net/http"
	"strings"
	"time"

	"github.com/drblury/metricflow/internal/runtime/dispatch"
	"github.com/drblury/metricflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/metricflow/internal/runtime/logging"
	"github.com/drblury/metricflow/internal/runtime/server"
)

// BindingView is one row of /api/bindings.
type BindingView struct {
	MetricType string `json:"metric_type"`
	Processor  string `json:"processor"`
}

// StatsView is the body of /api/stats.
type StatsView struct {
	Dispatch    dispatch.Stats `json:"dispatch"`
	Connections int            `json:"connections"`
	MetricTypes []string       `json:"metric_types"`
	Resource    ResourceUsage  `json:"resource"`
	Uptime      string         `json:"uptime"`
}

func (s *Service) registerWebUI() {
	if !s.Conf.WebUIEnabled {
		return
	}

	port := s.Conf.WebUIPort
	if port == 0 {
		port = 8081
	}

	s.RegisterHTTPHandler(port, "/api/connections", s.withCORS(s.handleGetConnections))
	s.RegisterHTTPHandler(port, "/api/bindings", s.withCORS(s.handleGetBindings))
	s.RegisterHTTPHandler(port, "/api/stats", s.withCORS(s.handleGetStats))
}

func (s *Service) handleGetConnections(w http.ResponseWriter, _ *http.Request) {
	conns := []server.ConnStats{}
	if s.connections != nil {
		conns = s.connections.List()
	}
	s.writeJSON(w, conns)
}

func (s *Service) handleGetBindings(w http.ResponseWriter, _ *http.Request) {
	views := []BindingView{}
	if s.table != nil {
		for _, b := range s.table.Bindings() {
			views = append(views, BindingView{MetricType: b.Type.String(), Processor: b.Name})
		}
	}
	s.writeJSON(w, views)
}

func (s *Service) handleGetStats(w http.ResponseWriter, _ *http.Request) {
	view := StatsView{
		Resource:    s.resourceTracker.Snapshot(),
		MetricTypes: []string{},
	}
	if s.engine != nil {
		view.Dispatch = s.engine.Metrics().Snapshot()
		if !view.Dispatch.StartedAt.IsZero() {
			view.Uptime = time.Since(view.Dispatch.StartedAt).Round(time.Second).String()
		}
	}
	if s.connections != nil {
		view.Connections = s.connections.Len()
	}
	if s.table != nil {
		for _, typ := range s.table.Types() {
			view.MetricTypes = append(view.MetricTypes, typ.String())
		}
	}
	s.writeJSON(w, view)
}

func (s *Service) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := jsoncodec.Encode(w, v); err != nil {
		s.Logger.Error("Failed to encode API response", err, loggingpkg.LogFields{"type": "webui"})
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *Service) withCORS(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Conf != nil && len(s.Conf.WebUICORSAllowedOrigins) > 0 {
			if allowed := s.getAllowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}

		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet, http.MethodHead:
			next(w, r)
		default:
			w.Header().Set("Allow", "GET, OPTIONS")
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		}
	})
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
