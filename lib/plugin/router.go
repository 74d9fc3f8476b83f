package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/agext/levenshtein"
)

// RouteRequest is the payload of executeRoute and the input of a route handler.
type RouteRequest struct {
	Plugin string            `json:"plugin"`
	Method string            `json:"method"`
	Path   string            `json:"path"`
	Query  map[string]string `json:"query,omitempty"`
	Body   json.RawMessage   `json:"body,omitempty"`

	// Params holds the values of ":name" path segments.
	Params map[string]string `json:"-"`
}

// Decode unmarshals the request body into v.
func (r *RouteRequest) Decode(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("empty request body")
	}
	return json.Unmarshal(r.Body, v)
}

// RouteResponse is the reply of executeRoute.
type RouteResponse struct {
	Status int `json:"status"`
	Body   any `json:"body,omitempty"`
}

// JSON returns a response with the given status and body.
func JSON(status int, body any) *RouteResponse {
	return &RouteResponse{Status: status, Body: body}
}

// RouteHandler serves one route.
type RouteHandler func(ctx context.Context, req *RouteRequest) (*RouteResponse, error)

type route struct {
	method   string
	pattern  string
	segments []string
	handler  RouteHandler
}

// Router is a plugin's method and path route table.
type Router struct {
	mu     sync.RWMutex
	routes []*route
}

func NewRouter() *Router { return &Router{} }

func cleanPath(p string) string {
	p = "/" + strings.Trim(p, "/")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return p
}

func splitPath(p string) []string {
	if p == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

// Handle registers h for method and path. Path segments starting with
// ':' match any single segment. A later registration of the same method
// and path replaces the earlier one.
func (r *Router) Handle(method, path string, h RouteHandler) {
	method = strings.ToUpper(method)
	path = cleanPath(path)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rt := range r.routes {
		if rt.method == method && rt.pattern == path {
			rt.handler = h
			return
		}
	}
	r.routes = append(r.routes, &route{method: method, pattern: path, segments: splitPath(path), handler: h})
}

func (r *Router) Get(path string, h RouteHandler)    { r.Handle(http.MethodGet, path, h) }
func (r *Router) Post(path string, h RouteHandler)   { r.Handle(http.MethodPost, path, h) }
func (r *Router) Put(path string, h RouteHandler)    { r.Handle(http.MethodPut, path, h) }
func (r *Router) Delete(path string, h RouteHandler) { r.Handle(http.MethodDelete, path, h) }

// Lookup finds the handler for method and path. Exact routes win over
// parameterised ones.
func (r *Router) Lookup(method, path string) (RouteHandler, map[string]string, bool) {
	method = strings.ToUpper(method)
	segments := splitPath(cleanPath(path))

	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		best       *route
		bestParams map[string]string
		bestScore  = -1
	)
	for _, rt := range r.routes {
		if rt.method != method || len(rt.segments) != len(segments) {
			continue
		}
		params, score, ok := match(rt.segments, segments)
		if ok && score > bestScore {
			best, bestParams, bestScore = rt, params, score
		}
	}
	if best == nil {
		return nil, nil, false
	}
	return best.handler, bestParams, true
}

// match returns the parameters and the number of literal segments matched.
func match(pattern, segments []string) (map[string]string, int, bool) {
	var params map[string]string
	literal := 0
	for i, seg := range pattern {
		if strings.HasPrefix(seg, ":") {
			if params == nil {
				params = make(map[string]string)
			}
			params[seg[1:]] = segments[i]
			continue
		}
		if seg != segments[i] {
			return nil, 0, false
		}
		literal++
	}
	return params, literal, true
}

// Routes returns "METHOD /path" for every route, sorted.
func (r *Router) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.routes))
	for _, rt := range r.routes {
		out = append(out, rt.method+" "+rt.pattern)
	}
	sort.Strings(out)
	return out
}

// Suggest returns the registered route closest to method and path, or
// "" when nothing is reasonably close.
func (r *Router) Suggest(method, path string) string {
	want := strings.ToUpper(method) + " " + cleanPath(path)

	var (
		best      string
		bestScore = 0.5
	)
	for _, candidate := range r.Routes() {
		if score := levenshtein.Similarity(want, candidate, nil); score > bestScore {
			best, bestScore = candidate, score
		}
	}
	return best
}

// Reset removes every route.
func (r *Router) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = nil
}
