// Package server contains the HTTP plumbing shared by the bench interfaces:
// a route table keyed on goji patterns that binds into a chi router, and the
// typed JSON payloads the handlers speak.
package server

import (
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi"
	"goji.io"
	"goji.io/pat"
)

// HTTPer is an object which exposes a route table.  The table may be
// modified (e.g. by middleware injectors) up until it is bound to a router.
type HTTPer interface {
	// RT yields the route table
	RT() RouteTable
}

// RouteTable maps goji patterns to handler funcs
type RouteTable map[goji.Pattern]http.HandlerFunc

// Endpoints returns the sorted list of pattern strings in the table
func (rt RouteTable) Endpoints() []string {
	routes := make([]string, 0, len(rt))
	for k := range rt {
		if p, ok := k.(*pat.Pattern); ok {
			routes = append(routes, p.String())
		}
	}
	sort.Strings(routes)
	return routes
}

// Bind attaches the routes to a chi router.  Patterns must come from goji's
// pat helpers so the HTTP method survives the translation; a pattern without
// a method set matches all methods.
func (rt RouteTable) Bind(r chi.Router) {
	for k, hndl := range rt {
		p, ok := k.(*pat.Pattern)
		if !ok {
			continue
		}
		methods := p.HTTPMethods()
		if methods == nil {
			r.Handle(p.String(), hndl)
			continue
		}
		for meth := range methods {
			r.Method(meth, p.String(), hndl)
		}
	}
}

// SubMuxSanitize prepares a config endpoint for mounting on a router,
// "bench" => "/bench"
func SubMuxSanitize(str string) string {
	if !strings.HasPrefix(str, "/") {
		str = "/" + str
	}
	if len(str) > 1 {
		str = strings.TrimSuffix(str, "/")
	}
	return str
}
