// Package api serves the Tool Shed and Galaxy repository APIs over HTTP.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cast"

	"github.com/mixos-go/shed/pkg/config"
	"github.com/mixos-go/shed/pkg/errs"
	"github.com/mixos-go/shed/pkg/manager"
	"github.com/mixos-go/shed/pkg/metrics"
	"github.com/mixos-go/shed/pkg/shed"
)

// UserHeader names the acting user of a request. Authentication happens in
// front of this server.
const UserHeader = "X-API-User"

type Server struct {
	cfg     *config.Config
	shed    *shed.Shed
	manager *manager.Manager
	router  *mux.Router
}

// New builds the API of a shed, a Galaxy manager or both. Either may be nil,
// in which case its routes are not registered.
func New(cfg *config.Config, s *shed.Shed, m *manager.Manager) *Server {
	srv := &Server{
		cfg:     cfg,
		shed:    s,
		manager: m,
	}
	srv.setupRouter()
	return srv
}

func (s *Server) setupRouter() {
	s.router = mux.NewRouter()
	s.router.Use(s.loggingMiddleware)

	api := s.router.PathPrefix("/api").Subrouter()
	if s.shed != nil {
		s.setupShedRoutes(api)
		s.router.HandleFunc("/repos/{owner}/{name}/archive/{changeset:[^/]+}.tar.gz", s.handleArchive).
			Methods(http.MethodGet)
	}
	if s.manager != nil {
		s.setupGalaxyRoutes(api)
	}

	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, errs.NotFoundf("No route for %s %s.", r.Method, r.URL.Path))
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on the configured address until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", s.cfg.Listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.RecordRequest(r.Method, route, rec.status, time.Since(start))
		log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start),
		}).Debug("request")
	})
}

func user(r *http.Request) string {
	return r.Header.Get(UserHeader)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("failed to write response: %v", err)
	}
}

// writeError answers with the err_msg envelope and the status of err.
func writeError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		log.Errorf("internal error: %v", err)
	}
	writeJSON(w, status, map[string]string{"err_msg": errs.Message(err)})
}

// params merges the query string, form values and a JSON object body into
// one map. Later sources do not override earlier ones.
func params(r *http.Request) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}

	if r.Body == nil || r.ContentLength == 0 {
		return out, nil
	}

	ct := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(ct, "application/x-www-form-urlencoded"):
		if err := r.ParseForm(); err != nil {
			return nil, errs.Invalidf("Malformed form body.")
		}
		for k, v := range r.PostForm {
			if _, ok := out[k]; !ok && len(v) > 0 {
				out[k] = v[0]
			}
		}
	default:
		body := map[string]interface{}{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
			return nil, errs.Invalidf("Malformed JSON body: %v", err)
		}
		for k, v := range body {
			if _, ok := out[k]; !ok {
				out[k] = v
			}
		}
	}
	return out, nil
}

func boolParam(p map[string]interface{}, key string, def bool) bool {
	v, ok := p[key]
	if !ok {
		return def
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return def
	}
	return b
}

func stringParam(p map[string]interface{}, key string) string {
	return cast.ToString(p[key])
}

func stringsParam(p map[string]interface{}, key string) []string {
	switch v := p[key].(type) {
	case nil:
		return nil
	case string:
		if v == "" {
			return nil
		}
		var out []string
		if err := json.Unmarshal([]byte(v), &out); err == nil {
			return out
		}
		return []string{v}
	default:
		return cast.ToStringSlice(v)
	}
}
