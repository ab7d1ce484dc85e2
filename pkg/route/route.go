// Package route maps URL prefixes to handlers. Every route owns its prefix
// and everything below it; the remainder is exposed to the handler as the
// "relpath" path value. Routes are named so that URLs can be built back
// with Reverse.
package route

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/edgeflare/restlet/pkg/httputil"
)

// RelPath is the path value holding the part of the URL below the route.
const RelPath = "relpath"

var (
	ErrDuplicateName = errors.New("duplicate route name")
	ErrDuplicateURI  = errors.New("duplicate route uri")
	ErrUnknownRoute  = errors.New("unknown route")
)

// Named is implemented by handlers that provide a default route name.
type Named interface {
	Name() string
}

type Route struct {
	Name       string
	URI        string
	Handler    http.Handler
	RedirectTo string
}

// Patterns returns the ServeMux patterns the route is registered under.
func (r Route) Patterns() []string {
	if r.URI == "" {
		return []string{"/{" + RelPath + "...}"}
	}
	return []string{r.URI, r.URI + "/{" + RelPath + "...}"}
}

// Table is an ordered set of routes. It is safe for concurrent use.
type Table struct {
	routes []Route
	mu     sync.RWMutex
}

func New() *Table {
	return &Table{}
}

// Add mounts handler at uri and below. An empty name is taken from
// handler.Name() when handler implements Named, or from uri otherwise.
func (t *Table) Add(uri string, handler http.Handler, name string) error {
	if handler == nil {
		return fmt.Errorf("route %q: nil handler", uri)
	}
	uri, err := normalize(uri)
	if err != nil {
		return err
	}
	if name == "" {
		if n, ok := handler.(Named); ok {
			name = n.Name()
		} else {
			name = uri
		}
	}
	return t.add(Route{Name: name, URI: uri, Handler: handler})
}

// Redirect registers a permanent redirect from one prefix to another. The
// part below from and the query string are carried over.
func (t *Table) Redirect(from, to, name string) error {
	from, err := normalize(from)
	if err != nil {
		return err
	}
	if to == "" {
		return fmt.Errorf("redirect %q: empty target", from)
	}
	if name == "" {
		name = from
	}
	target := strings.TrimRight(to, "/")
	return t.add(Route{
		Name:       name,
		URI:        from,
		RedirectTo: to,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			location := target
			if rel := r.PathValue(RelPath); rel != "" {
				location += "/" + rel
			}
			if location == "" {
				location = "/"
			}
			if r.URL.RawQuery != "" {
				location += "?" + r.URL.RawQuery
			}
			http.Redirect(w, r, location, http.StatusMovedPermanently)
		}),
	})
}

func (t *Table) add(route Route) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, existing := range t.routes {
		if existing.Name == route.Name {
			return fmt.Errorf("%w: %s", ErrDuplicateName, route.Name)
		}
		if existing.URI == route.URI {
			return fmt.Errorf("%w: %s", ErrDuplicateURI, route.URI)
		}
	}
	t.routes = append(t.routes, route)
	return nil
}

// Lookup returns the named route.
func (t *Table) Lookup(name string) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i := slices.IndexFunc(t.routes, func(r Route) bool { return r.Name == name })
	if i < 0 {
		return Route{}, false
	}
	return t.routes[i], true
}

// Routes returns the routes in registration order.
func (t *Table) Routes() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.routes)
}

// Reverse builds the URL of a named route. Args fill the {wildcards} of the
// route URI in order; remaining args are appended as path segments.
func (t *Table) Reverse(name string, args ...any) (string, error) {
	route, ok := t.Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownRoute, name)
	}

	var b strings.Builder
	for _, seg := range strings.Split(strings.TrimPrefix(route.URI, "/"), "/") {
		if seg == "" {
			continue
		}
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			if len(args) == 0 {
				return "", fmt.Errorf("route %s: missing value for %s", name, seg)
			}
			seg = url.PathEscape(fmt.Sprint(args[0]))
			args = args[1:]
		}
		b.WriteString("/" + seg)
	}
	for _, arg := range args {
		b.WriteString("/" + url.PathEscape(fmt.Sprint(arg)))
	}
	if b.Len() == 0 {
		return "/", nil
	}
	return b.String(), nil
}

// Mount registers every route on the router. Routes added afterwards are
// not mounted.
func (t *Table) Mount(r *httputil.Router) {
	for _, route := range t.Routes() {
		for _, pattern := range route.Patterns() {
			r.Handle(pattern, route.Handler)
		}
	}
}

// normalize returns uri with a leading slash and no trailing slash; the
// root becomes "".
func normalize(uri string) (string, error) {
	uri = strings.TrimSpace(uri)
	if strings.ContainsAny(uri, " ?#") {
		return "", fmt.Errorf("invalid route uri %q", uri)
	}
	uri = strings.TrimRight(uri, "/")
	if uri != "" && !strings.HasPrefix(uri, "/") {
		uri = "/" + uri
	}
	if strings.Contains(uri, "{"+RelPath) {
		return "", fmt.Errorf("route uri %q: %s is reserved", uri, RelPath)
	}
	return uri, nil
}
