// Package restlet exposes database tables as REST resources.
//
// A resource is declared with a Meta: which methods are allowed, which
// columns are visible, readonly or changeable, which relations can be
// embedded and which encoders, decoders, generators and validators apply to
// its fields. Register resolves the Meta into a Policy once and mounts a
// Handler that dispatches list, get, create, update and delete operations
// to a Store:
//
//	app := restlet.NewApplication(restlet.NewPgStore(pool), cache)
//	users, _ := app.Register("/users", restlet.Meta{
//		Table:     table,
//		Readonly:  []string{"id", "name"},
//		Invisible: []string{"password"},
//		Encoders:  map[string]restlet.Encoder{"password": bcryptEncoder},
//	})
//	router := httputil.NewRouter()
//	app.Mount(router)
//
// Query parameters follow PostgREST: select, order, limit, offset and
// col=op.value filters, plus extend=relation to embed related rows.
package restlet

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/edgeflare/restlet/pkg/httputil"
	"github.com/edgeflare/restlet/pkg/pgx/schema"
	"github.com/edgeflare/restlet/pkg/route"
	"go.uber.org/zap"
)

const defaultCountTTL = 5 * time.Second

// Application owns the registered resources and their routes.
type Application struct {
	store    Store
	catalog  schema.Catalog
	registry *Registry
	routes   *route.Table
	logger   *zap.Logger
	openapi  OpenAPIInfo
	counts   *ttlCache[int64]
	countTTL time.Duration

	mu       sync.RWMutex
	handlers []*Handler
	byTable  map[string]*Handler
	defaults map[string]*Policy
}

type Option func(*Application)

func WithLogger(logger *zap.Logger) Option {
	return func(a *Application) { a.logger = logger }
}

// WithRegistry sets the registry used by Declare. Defaults to NewRegistry().
func WithRegistry(r *Registry) Option {
	return func(a *Application) { a.registry = r }
}

// WithCountTTL sets how long planned and estimated counts are reused.
func WithCountTTL(ttl time.Duration) Option {
	return func(a *Application) { a.countTTL = ttl }
}

// WithOpenAPIInfo sets the info block of the generated OpenAPI document.
func WithOpenAPIInfo(info OpenAPIInfo) Option {
	return func(a *Application) { a.openapi = info }
}

func NewApplication(store Store, catalog schema.Catalog, opts ...Option) *Application {
	a := &Application{
		store:    store,
		catalog:  catalog,
		routes:   route.New(),
		logger:   zap.NewNop(),
		counts:   newTTLCache[int64](),
		countTTL: defaultCountTTL,
		byTable:  make(map[string]*Handler),
		defaults: make(map[string]*Policy),
		openapi:  OpenAPIInfo{Title: "restlet", Version: "1.0.0"},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.registry == nil {
		a.registry = NewRegistry()
	}
	return a
}

// Register resolves meta and mounts its handler at uri.
func (a *Application) Register(uri string, meta Meta) (*Handler, error) {
	p, err := Resolve(meta)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", uri, err)
	}

	name := meta.Name
	if name == "" {
		name = DefaultHandlerName(p.Table.Name)
	}
	h := newHandler(a, meta, p, name)
	if err := a.routes.Add(uri, h, name); err != nil {
		return nil, fmt.Errorf("register %s: %w", uri, err)
	}

	a.mu.Lock()
	a.handlers = append(a.handlers, h)
	if _, ok := a.byTable[p.Table.FullName()]; !ok {
		a.byTable[p.Table.FullName()] = h
	}
	a.mu.Unlock()

	a.logger.Debug("resource registered",
		zap.String("name", name),
		zap.String("uri", uri),
		zap.String("table", p.Table.FullName()),
		zap.Strings("methods", p.AllowedMethods()))
	return h, nil
}

// Reload resolves every registered Meta again against the current catalog
// tables, drops cached default policies and cached counts. A handler whose
// table vanished or whose Meta no longer resolves keeps serving with its
// previous policy; those failures are returned joined.
func (a *Application) Reload() error {
	a.mu.Lock()
	clear(a.defaults)
	handlers := slices.Clone(a.handlers)
	a.mu.Unlock()
	a.counts.Invalidate("")

	var errs []error
	for _, h := range handlers {
		meta := h.meta
		name := meta.Table.FullName()
		t, ok := a.catalog.Lookup(name)
		if !ok {
			errs = append(errs, fmt.Errorf("reload %s: table %s not found", h.name, name))
			continue
		}
		meta.Table = t
		p, err := Resolve(meta)
		if err != nil {
			errs = append(errs, fmt.Errorf("reload %s: %w", h.name, err))
			continue
		}
		h.policy.Store(p)
	}
	a.logger.Debug("resources reloaded", zap.Int("handlers", len(handlers)), zap.Int("failed", len(errs)))
	return errors.Join(errs...)
}

// RouteTo exposes a catalog table at uri with the default Meta: every
// method allowed and every column visible and changeable.
func (a *Application) RouteTo(table, uri string) (*Handler, error) {
	t, ok := a.catalog.Lookup(table)
	if !ok {
		return nil, fmt.Errorf("table %s not found", table)
	}
	return a.Register(uri, Meta{Table: t})
}

// Declare registers a resource described in configuration. The path
// defaults to /<table>.
func (a *Application) Declare(d Declaration) (*Handler, error) {
	t, ok := a.catalog.Lookup(d.Table)
	if !ok {
		return nil, fmt.Errorf("table %s not found", d.Table)
	}
	meta, err := a.registry.Meta(t, d)
	if err != nil {
		return nil, fmt.Errorf("declare %s: %w", d.Table, err)
	}
	path := d.Path
	if path == "" {
		path = "/" + t.Name
	}
	return a.Register(path, meta)
}

// Redirect permanently redirects one prefix to another.
func (a *Application) Redirect(from, to string) error {
	return a.routes.Redirect(from, to, "")
}

func (a *Application) Routes() *route.Table { return a.routes }

func (a *Application) Registry() *Registry { return a.registry }

// Handlers returns the registered handlers in registration order.
func (a *Application) Handlers() []*Handler {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*Handler, len(a.handlers))
	copy(out, a.handlers)
	return out
}

// Mount registers every route and GET /openapi.json on the router.
func (a *Application) Mount(r *httputil.Router) {
	r.Handle("GET /openapi.json", a.OpenAPIHandler())
	a.routes.Mount(r)
}

// policyFor returns the policy of the first resource registered for the
// table, or a permissive default policy when the table is not exposed.
func (a *Application) policyFor(table string) (*Policy, error) {
	t, ok := a.catalog.Lookup(table)
	if !ok {
		return nil, fmt.Errorf("table %s not found", table)
	}
	key := t.FullName()

	a.mu.RLock()
	h, registered := a.byTable[key]
	p, cached := a.defaults[key]
	a.mu.RUnlock()
	if registered {
		return h.Policy(), nil
	}
	if cached {
		return p, nil
	}

	p, err := Resolve(Meta{Table: t})
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.defaults[key] = p
	a.mu.Unlock()
	return p, nil
}
