package router

import (
	"sort"
	"strings"

	"github.com/valyala/fasthttp"
)

// Middleware wraps a handler.
type Middleware func(fasthttp.RequestHandler) fasthttp.RequestHandler

// Router is a minimal fasthttp router. It supports parameterised paths
// using {name}, dispatches by HTTP method and answers 405 when a path
// matches under another method.
type Router struct {
	routes     map[string][]route
	notFound   fasthttp.RequestHandler
	middleware []Middleware
}

type route struct {
	segments []segment
	handler  fasthttp.RequestHandler
}

type segment struct {
	name    string
	isParam bool
}

// New constructs a new Router.
func New() *Router {
	return &Router{routes: make(map[string][]route)}
}

// Use appends middleware applied to every matched route, outermost first.
func (r *Router) Use(mw ...Middleware) {
	r.middleware = append(r.middleware, mw...)
}

// Handler satisfies the fasthttp.Server handler interface.
func (r *Router) Handler(ctx *fasthttp.RequestCtx) {
	method := string(ctx.Method())
	path := string(ctx.Path())
	if h, ok := r.lookup(ctx, method, path); ok {
		r.wrap(h)(ctx)
		return
	}
	if allowed := r.allowedMethods(method, path); len(allowed) > 0 {
		ctx.Response.Header.Set("Allow", strings.Join(allowed, ", "))
		WriteJSONError(ctx, fasthttp.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if r.notFound != nil {
		r.notFound(ctx)
		return
	}
	WriteJSONError(ctx, fasthttp.StatusNotFound, "not found")
}

func (r *Router) lookup(ctx *fasthttp.RequestCtx, method, path string) (fasthttp.RequestHandler, bool) {
	for _, rt := range r.routes[method] {
		if values, ok := match(path, rt.segments); ok {
			for k, v := range values {
				ctx.SetUserValue(k, v)
			}
			return rt.handler, true
		}
	}
	return nil, false
}

func (r *Router) allowedMethods(method, path string) []string {
	var out []string
	for m, list := range r.routes {
		if m == method {
			continue
		}
		for _, rt := range list {
			if _, ok := match(path, rt.segments); ok {
				out = append(out, m)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

func (r *Router) wrap(h fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(r.middleware) - 1; i >= 0; i-- {
		h = r.middleware[i](h)
	}
	return h
}

// GET registers a GET handler.
func (r *Router) GET(path string, h fasthttp.RequestHandler) {
	r.add(fasthttp.MethodGet, path, h)
}

// POST registers a POST handler.
func (r *Router) POST(path string, h fasthttp.RequestHandler) {
	r.add(fasthttp.MethodPost, path, h)
}

// DELETE registers a DELETE handler.
func (r *Router) DELETE(path string, h fasthttp.RequestHandler) {
	r.add(fasthttp.MethodDelete, path, h)
}

// NotFound registers a handler for unmatched routes.
func (r *Router) NotFound(h fasthttp.RequestHandler) {
	r.notFound = h
}

func (r *Router) add(method, path string, h fasthttp.RequestHandler) {
	r.routes[method] = append(r.routes[method], route{segments: parse(path), handler: h})
}

func parse(path string) []segment {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	parts := strings.Split(path, "/")
	segs := make([]segment, len(parts))
	for i, part := range parts {
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") && len(part) > 2 {
			segs[i] = segment{name: part[1 : len(part)-1], isParam: true}
		} else {
			segs[i] = segment{name: part}
		}
	}
	return segs
}

func match(path string, segs []segment) (map[string]string, bool) {
	path = strings.Trim(path, "/")
	var parts []string
	if path != "" {
		parts = strings.Split(path, "/")
	}
	if len(parts) != len(segs) {
		return nil, false
	}
	values := make(map[string]string)
	for i, seg := range segs {
		if seg.isParam {
			if parts[i] == "" {
				return nil, false
			}
			values[seg.name] = parts[i]
			continue
		}
		if seg.name != parts[i] {
			return nil, false
		}
	}
	return values, true
}
