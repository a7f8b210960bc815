package proxy

import (
	"fmt"
	"strings"

	"github.com/zane-ops/zane/pkg/types"
)

// Route is one entry in the proxy's HTTP route table, in the JSON shape
// the admin API speaks. The @id field makes the route addressable
// without knowing its position in the table.
type Route struct {
	ID       string    `json:"@id,omitempty"`
	Match    []Match   `json:"match,omitempty"`
	Handle   []Handler `json:"handle,omitempty"`
	Terminal bool      `json:"terminal,omitempty"`
}

// Match selects requests by host and path. An empty path list matches
// everything on the host.
type Match struct {
	Host []string `json:"host,omitempty"`
	Path []string `json:"path,omitempty"`
}

// Handler is a single proxy handler. One struct covers the handler
// kinds the control plane emits; the Handler field selects which of
// the optional groups is meaningful.
type Handler struct {
	Handler string `json:"handler"`

	// subroute
	Routes []Route `json:"routes,omitempty"`

	// rewrite
	StripPathPrefix string `json:"strip_path_prefix,omitempty"`

	// reverse_proxy
	Upstreams []Upstream `json:"upstreams,omitempty"`

	// static_response
	StatusCode int                 `json:"status_code,omitempty"`
	Headers    map[string][]string `json:"headers,omitempty"`
}

// Upstream is one reverse proxy backend.
type Upstream struct {
	Dial string `json:"dial"`
}

// DeploymentRouteID addresses the ephemeral route of one deployment
// port.
func DeploymentRouteID(hash string, port int) string {
	return fmt.Sprintf("zane:deployment:%s:%d", hash, port)
}

// ServiceRouteID addresses the production route of one service URL.
func ServiceRouteID(serviceID, urlID string) string {
	return fmt.Sprintf("zane:service:%s:%s", serviceID, urlID)
}

// DeploymentRoute builds the route for one per-deployment domain. It
// dials the runtime service directly by name, bypassing the slot
// alias, so the deployment is reachable before and after promotion.
func DeploymentRoute(hash string, du *types.DeploymentURL, runtimeServiceName string) Route {
	return Route{
		ID:       DeploymentRouteID(hash, du.Port),
		Match:    []Match{{Host: []string{du.Domain}}},
		Handle:   []Handler{reverseProxy(fmt.Sprintf("%s:%d", runtimeServiceName, du.Port))},
		Terminal: true,
	}
}

// ServiceRoute builds the production route of one service URL, dialing
// the slot alias of the given slot. Promotion re-points this route at
// the other slot.
func ServiceRoute(snap *types.ServiceSnapshot, u *types.URL, slot types.DeploymentSlot) Route {
	route := Route{
		ID:       ServiceRouteID(snap.ID, u.ID),
		Match:    []Match{matchURL(u)},
		Terminal: true,
	}

	if u.RedirectTo != nil {
		route.Handle = []Handler{redirect(u.RedirectTo)}
		return route
	}

	var handlers []Handler
	if prefix := stripPrefixOf(u); prefix != "" {
		handlers = append(handlers, Handler{Handler: "rewrite", StripPathPrefix: prefix})
	}
	handlers = append(handlers, reverseProxy(ServiceUpstreamDial(snap, u, slot)))
	route.Handle = handlers
	return route
}

// ServiceUpstreamDial is the backend address of a service URL on the
// given slot.
func ServiceUpstreamDial(snap *types.ServiceSnapshot, u *types.URL, slot types.DeploymentSlot) string {
	return fmt.Sprintf("%s:%d", snap.SlotAlias(slot), u.AssociatedPort)
}

func matchURL(u *types.URL) Match {
	m := Match{Host: []string{u.Domain}}
	if u.BasePath != "" && u.BasePath != "/" {
		p := strings.TrimSuffix(u.BasePath, "/")
		m.Path = []string{p, p + "/*"}
	}
	return m
}

func stripPrefixOf(u *types.URL) string {
	if !u.StripPrefix || u.BasePath == "" || u.BasePath == "/" {
		return ""
	}
	return strings.TrimSuffix(u.BasePath, "/")
}

func reverseProxy(dial string) Handler {
	return Handler{
		Handler:   "reverse_proxy",
		Upstreams: []Upstream{{Dial: dial}},
	}
}

func redirect(r *types.URLRedirect) Handler {
	code := 307
	if r.Permanent {
		code = 308
	}
	return Handler{
		Handler:    "static_response",
		StatusCode: code,
		Headers:    map[string][]string{"Location": {r.URL}},
	}
}

// swapDials re-points every reverse proxy upstream in the handler tree
// at dial. Returns whether anything changed.
func swapDials(handlers []Handler, dial string) bool {
	changed := false
	for i := range handlers {
		h := &handlers[i]
		if h.Handler == "reverse_proxy" {
			for j := range h.Upstreams {
				if h.Upstreams[j].Dial != dial {
					h.Upstreams[j].Dial = dial
					changed = true
				}
			}
		}
		for k := range h.Routes {
			if swapDials(h.Routes[k].Handle, dial) {
				changed = true
			}
		}
	}
	return changed
}
