// Package gatewayhttp exposes the Device Manager's control entry
// points (spec.md §6) as JSON-over-HTTP, grounded on the teacher's
// HTTPGatewayServer (gateway_http_server.go): a ServeMux, a
// command-name-to-handler route table built with addRoute, and a
// doneWriter wrapper so a handler's explicit write suppresses the
// default success/error response.
package gatewayhttp

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/imdisk-go/vblockd/manager"
	"github.com/imdisk-go/vblockd/verr"
)

// doneWriter tracks whether a handler has already written a response,
// same contract as the teacher's doneWriter.
type doneWriter struct {
	http.ResponseWriter
	done bool
}

func (w *doneWriter) WriteHeader(status int) {
	w.done = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *doneWriter) Write(b []byte) (int, error) {
	w.done = true
	return w.ResponseWriter.Write(b)
}

// Handler is one control-entry-point implementation. id is the parsed
// device id segment, or 0 with hasID=false when the route carries none.
type Handler func(w *doneWriter, r *http.Request, id uint32, hasID bool) error

// Server routes HTTP requests onto manager.Manager operations.
type Server struct {
	mgr    *manager.Manager
	mux    *http.ServeMux
	routes map[string]Handler
	logger *logrus.Logger
}

// NewServer builds a Server with every control entry point from
// spec.md §6 registered.
func NewServer(mgr *manager.Manager, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{mgr: mgr, mux: http.NewServeMux(), routes: make(map[string]Handler), logger: logger}
	s.mux.HandleFunc("/", s.handleRequest)

	s.addRoute("GET /version", s.handleQueryVersion)
	s.addRoute("GET /driver", s.handleQueryDriver)
	s.addRoute("POST /device", s.handleCreateDevice)
	s.addRoute("GET /device/", s.handleQueryDevice)
	s.addRoute("DELETE /device/", s.handleRemoveDevice)
	s.addRoute("POST /device/force-remove/", s.handleForceRemove)
	s.addRoute("POST /device/flags/", s.handleSetFlags)
	s.addRoute("POST /device/extend/", s.handleExtend)

	return s
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, s.mux)
}

func (s *Server) addRoute(key string, h Handler) {
	s.routes[key] = h
}

// handleRequest matches method + path prefix against the route table,
// peeling a trailing numeric device id off routes registered with a
// trailing "/" (spec.md §6 control entry points keyed by id).
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	dw := &doneWriter{ResponseWriter: w}

	key, id, hasID, ok := s.match(r)
	if !ok {
		s.writeError(dw, http.StatusNotFound, verr.ErrNotFound)
		return
	}

	handler := s.routes[key]
	if err := handler(dw, r, id, hasID); err != nil {
		s.writeError(dw, statusForError(err), err)
		return
	}
	if !dw.done {
		dw.Write([]byte(`{}`))
	}
}

func (s *Server) match(r *http.Request) (key string, id uint32, hasID bool, ok bool) {
	for routeKey := range s.routes {
		method, pattern, _ := strings.Cut(routeKey, " ")
		if method != r.Method {
			continue
		}
		if !strings.HasSuffix(pattern, "/") {
			if pattern == r.URL.Path {
				return routeKey, 0, false, true
			}
			continue
		}
		if strings.HasPrefix(r.URL.Path, pattern) {
			rest := strings.TrimPrefix(r.URL.Path, pattern)
			if rest == "" {
				continue
			}
			parsed, err := strconv.ParseUint(rest, 10, 32)
			if err != nil {
				continue
			}
			return routeKey, uint32(parsed), true, true
		}
	}
	return "", 0, false, false
}

func statusForError(err error) int {
	switch verr.ToCode(err) {
	case verr.CodeNotFound:
		return http.StatusNotFound
	case verr.CodeAccessDenied, verr.CodeWriteProtected, verr.CodeDeletePending:
		return http.StatusForbidden
	case verr.CodeInvalidParameter, verr.CodeObjectNameCollision, verr.CodeBufferTooSmall:
		return http.StatusBadRequest
	case verr.CodeInsufficientResources:
		return http.StatusServiceUnavailable
	case verr.CodeNoMedia:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w *doneWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(httpErrorResponse{Error: err.Error()})
}

func writeJSON(w *doneWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
