package restlet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeflare/restlet/pkg/httputil"
	"github.com/edgeflare/restlet/pkg/httputil/middleware"
	"github.com/edgeflare/restlet/pkg/metrics"
	pg "github.com/edgeflare/restlet/pkg/pgx"
	"github.com/edgeflare/restlet/pkg/route"
	"github.com/go-openapi/inflect"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

const (
	opList       = "list"
	opGet        = "get"
	opCreate     = "create"
	opUpdate     = "update"
	opDelete     = "delete"
	opBulkUpdate = "bulk_update"
	opBulkDelete = "bulk_delete"
	opRelated    = "related"
	opOptions    = "options"
	opAction     = "action"
	opUnknown    = "unknown"
)

// Handler dispatches the requests of one resource. The path below the
// mount point selects the target:
//
//	""               collection: list, create, bulk update, bulk delete
//	"{id}"           item: get, update, delete (composite keys as "a,b")
//	"{id}/{relation}" rows related to the item through an extensible relation
//
// Custom actions registered with Action are tried first.
type Handler struct {
	app     *Application
	meta    Meta
	policy  atomic.Pointer[Policy]
	name    string
	actions []*action
	mu      sync.RWMutex
}

var _ route.Named = (*Handler)(nil)

func newHandler(a *Application, meta Meta, p *Policy, name string) *Handler {
	h := &Handler{app: a, meta: meta, name: name}
	h.policy.Store(p)
	return h
}

// DefaultHandlerName derives a handler name from a table name, e.g.
// "users" gives "UserHandler".
func DefaultHandlerName(table string) string {
	return inflect.Camelize(inflect.Singularize(table)) + "Handler"
}

func (h *Handler) Name() string { return h.name }

// Policy returns the current policy. It is replaced when the schema is
// reloaded.
func (h *Handler) Policy() *Policy { return h.policy.Load() }

// URL builds the URL of this resource with args appended, e.g. URL(1)
// gives "/users/1".
func (h *Handler) URL(args ...any) (string, error) {
	return h.app.routes.Reverse(h.name, args...)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := middleware.NewResponseRecorder(w)

	op, err := h.dispatch(rec, r)
	if err != nil {
		h.writeError(rec, r, op, err)
	}

	metrics.Requests.WithLabelValues(h.Policy().Name, op, strconv.Itoa(rec.StatusCode)).Inc()
	metrics.RequestDuration.WithLabelValues(h.Policy().Name, op).Observe(time.Since(start).Seconds())
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) (string, error) {
	relpath := strings.Trim(r.PathValue(route.RelPath), "/")

	act, params, actionMethods := h.matchAction("/"+relpath, r.Method)
	if act != nil {
		return opAction, act.fn(w, r, params)
	}
	if len(actionMethods) > 0 {
		return opAction, methodNotAllowed(w, r.Method, actionMethods)
	}

	if !slices.Contains(DefaultMethods, r.Method) {
		return opUnknown, NotImplemented("method %s is not implemented", r.Method)
	}

	var segments []string
	if relpath != "" {
		segments = strings.Split(relpath, "/")
	}
	switch len(segments) {
	case 0:
		return h.collection(w, r)
	case 1:
		return h.item(w, r, segments[0])
	case 2:
		return h.relation(w, r, segments[0], segments[1])
	}
	return opUnknown, NotFound("no resource at %s", r.URL.Path)
}

func (h *Handler) collection(w http.ResponseWriter, r *http.Request) (string, error) {
	allowed := h.Policy().AllowedMethods()
	if !slices.Contains(allowed, r.Method) {
		return opUnknown, methodNotAllowed(w, r.Method, allowed)
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		return opList, h.list(w, r)
	case http.MethodPost:
		return opCreate, h.create(w, r)
	case http.MethodPut, http.MethodPatch:
		return opBulkUpdate, h.bulkUpdate(w, r)
	case http.MethodDelete:
		return opBulkDelete, h.bulkDelete(w, r)
	}
	return opOptions, options(w, allowed)
}

func (h *Handler) item(w http.ResponseWriter, r *http.Request, id string) (string, error) {
	allowed := slices.DeleteFunc(h.Policy().AllowedMethods(), func(m string) bool { return m == http.MethodPost })
	if !slices.Contains(allowed, r.Method) {
		return opUnknown, methodNotAllowed(w, r.Method, allowed)
	}
	if r.Method == http.MethodOptions {
		return opOptions, options(w, allowed)
	}

	filters, err := h.keyFilters(id)
	if err != nil {
		return opUnknown, err
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		return opGet, h.get(w, r, id, filters)
	case http.MethodPut, http.MethodPatch:
		return opUpdate, h.update(w, r, id, filters)
	default:
		return opDelete, h.delete(w, r, id, filters)
	}
}

func (h *Handler) relation(w http.ResponseWriter, r *http.Request, id, name string) (string, error) {
	allowed := slices.DeleteFunc(h.Policy().AllowedMethods(), func(m string) bool {
		return m != http.MethodGet && m != http.MethodHead && m != http.MethodOptions
	})
	if !slices.Contains(allowed, r.Method) {
		return opUnknown, methodNotAllowed(w, r.Method, allowed)
	}
	if r.Method == http.MethodOptions {
		return opOptions, options(w, allowed)
	}

	rel, ok := h.Policy().Relation(name)
	if !ok {
		return opRelated, NotFound("%s has no relation %q", h.Policy().Name, name)
	}
	filters, err := h.keyFilters(id)
	if err != nil {
		return opRelated, err
	}

	target, err := h.app.policyFor(rel.Target)
	if err != nil {
		return opRelated, err
	}
	bounds, err := parsePage(target, r.URL.Query())
	if err != nil {
		return opRelated, err
	}

	ctx := r.Context()
	rows, err := h.app.store.Select(ctx, h.Policy().Table, pg.Query{Filters: filters, Limit: 1})
	if err != nil {
		return opRelated, err
	}
	if len(rows) == 0 {
		return opRelated, NotFound("%s %s not found", h.Policy().Name, id)
	}

	var found []map[string]any
	if key := rows[0][rel.Column]; key != nil {
		grouped, err := h.app.related(ctx, rel, rows, bounds)
		if err != nil {
			return opRelated, err
		}
		found = grouped[keyText(key)]
	}

	if rel.Many() {
		if found == nil {
			found = []map[string]any{}
		}
		return opRelated, writeJSON(w, r, http.StatusOK, found)
	}
	if len(found) == 0 {
		return opRelated, NotFound("%s %s has no %s", h.Policy().Name, id, name)
	}
	return opRelated, writeJSON(w, r, http.StatusOK, found[0])
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	q, err := parseListQuery(h.Policy(), r.URL.Query())
	if err != nil {
		return err
	}

	rows, err := h.app.store.Select(ctx, h.Policy().Table, q.Query)
	if err != nil {
		return err
	}
	rendered, err := h.render(ctx, rows, q)
	if err != nil {
		return err
	}

	total := "*"
	if prefer := parsePrefer(r); prefer.WantsCount() {
		n, err := h.count(ctx, q.Filters, prefer)
		if err != nil {
			return err
		}
		total = strconv.FormatInt(n, 10)
	}
	w.Header().Set("Content-Range", contentRange(q.Offset, len(rendered), total))
	return writeJSON(w, r, http.StatusOK, rendered)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request, id string, filters []pg.Filter) error {
	ctx := r.Context()
	q, err := parseListQuery(h.Policy(), r.URL.Query())
	if err != nil {
		return err
	}
	q.Filters = append(filters, q.Filters...)
	q.Order, q.Limit, q.Offset = nil, 1, 0

	rows, err := h.app.store.Select(ctx, h.Policy().Table, q.Query)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return NotFound("%s %s not found", h.Policy().Name, id)
	}
	rendered, err := h.render(ctx, rows, q)
	if err != nil {
		return err
	}
	return writeJSON(w, r, http.StatusOK, rendered[0])
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	var body any
	if err := decodeBody(w, r, &body); err != nil {
		return err
	}
	prefer := parsePrefer(r)

	switch payload := body.(type) {
	case map[string]any:
		row, err := h.insert(ctx, payload)
		if err != nil {
			return err
		}
		if loc := h.location(r, row); loc != "" {
			w.Header().Set("Location", loc)
		}
		if prefer.WantsMinimal() {
			w.WriteHeader(http.StatusCreated)
			return nil
		}
		rendered, err := Render(h.Policy(), row)
		if err != nil {
			return err
		}
		return writeJSON(w, r, http.StatusCreated, rendered)

	case []any:
		if len(payload) == 0 {
			return BadRequest("empty payload")
		}
		// every item is decoded before the first insert
		decoded := make([]map[string]any, len(payload))
		for i, item := range payload {
			obj, ok := item.(map[string]any)
			if !ok {
				return BadRequest("item %d is not an object", i)
			}
			data, err := DecodeCreate(ctx, h.Policy(), obj)
			if err != nil {
				return AsError(err).WithDetail("index", i)
			}
			decoded[i] = data
		}
		defer h.invalidateCounts()
		rows := make([]map[string]any, 0, len(decoded))
		for i, data := range decoded {
			row, err := h.app.store.Insert(ctx, h.Policy().Table, data)
			if err != nil {
				return AsError(err).WithDetail("index", i)
			}
			rows = append(rows, row)
		}
		if prefer.WantsMinimal() {
			w.WriteHeader(http.StatusCreated)
			return nil
		}
		rendered, err := RenderAll(h.Policy(), rows)
		if err != nil {
			return err
		}
		return writeJSON(w, r, http.StatusCreated, rendered)
	}
	return BadRequest("payload must be an object or an array of objects")
}

func (h *Handler) insert(ctx context.Context, payload map[string]any) (map[string]any, error) {
	data, err := DecodeCreate(ctx, h.Policy(), payload)
	if err != nil {
		return nil, err
	}
	row, err := h.app.store.Insert(ctx, h.Policy().Table, data)
	if err != nil {
		return nil, err
	}
	h.invalidateCounts()
	return row, nil
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request, id string, filters []pg.Filter) error {
	ctx := r.Context()
	data, err := h.decodeUpdate(w, r)
	if err != nil {
		return err
	}
	rows, err := h.app.store.Update(ctx, h.Policy().Table, data, filters)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return NotFound("%s %s not found", h.Policy().Name, id)
	}
	h.invalidateCounts()

	if parsePrefer(r).WantsMinimal() {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
	rendered, err := Render(h.Policy(), rows[0])
	if err != nil {
		return err
	}
	return writeJSON(w, r, http.StatusOK, rendered)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request, id string, filters []pg.Filter) error {
	rows, err := h.app.store.Delete(r.Context(), h.Policy().Table, filters)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return NotFound("%s %s not found", h.Policy().Name, id)
	}
	h.invalidateCounts()

	if !parsePrefer(r).WantsRepresentation() {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
	rendered, err := Render(h.Policy(), rows[0])
	if err != nil {
		return err
	}
	return writeJSON(w, r, http.StatusOK, rendered)
}

func (h *Handler) bulkUpdate(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	filters, err := h.bulkFilters(r)
	if err != nil {
		return err
	}
	data, err := h.decodeUpdate(w, r)
	if err != nil {
		return err
	}
	rows, err := h.app.store.Update(ctx, h.Policy().Table, data, filters)
	if err != nil {
		return err
	}
	h.invalidateCounts()

	if parsePrefer(r).WantsMinimal() {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
	rendered, err := RenderAll(h.Policy(), rows)
	if err != nil {
		return err
	}
	return writeJSON(w, r, http.StatusOK, rendered)
}

func (h *Handler) bulkDelete(w http.ResponseWriter, r *http.Request) error {
	filters, err := h.bulkFilters(r)
	if err != nil {
		return err
	}
	rows, err := h.app.store.Delete(r.Context(), h.Policy().Table, filters)
	if err != nil {
		return err
	}
	h.invalidateCounts()

	if !parsePrefer(r).WantsRepresentation() {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
	rendered, err := RenderAll(h.Policy(), rows)
	if err != nil {
		return err
	}
	return writeJSON(w, r, http.StatusOK, rendered)
}

// bulkFilters refuses bulk mutations without filters.
func (h *Handler) bulkFilters(r *http.Request) ([]pg.Filter, error) {
	filters, err := parseFilters(h.Policy(), r.URL.Query())
	if err != nil {
		return nil, err
	}
	if len(filters) == 0 {
		return nil, BadRequest("bulk %s on %s requires at least one filter", strings.ToLower(r.Method), h.Policy().Name)
	}
	return filters, nil
}

func (h *Handler) decodeUpdate(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	var body map[string]any
	if err := decodeBody(w, r, &body); err != nil {
		return nil, err
	}
	return DecodeUpdate(r.Context(), h.Policy(), body)
}

// keyFilters turns an item id into primary key filters. Composite keys are
// comma-separated in key order.
func (h *Handler) keyFilters(id string) ([]pg.Filter, error) {
	pks := h.Policy().PrimaryKeys()
	if len(pks) == 0 {
		return nil, NotFound("%s has no primary key", h.Policy().Name)
	}
	values := strings.Split(id, ",")
	if len(values) != len(pks) {
		return nil, BadRequest("expected %d key values, got %d", len(pks), len(values))
	}
	filters := make([]pg.Filter, len(pks))
	for i, pk := range pks {
		filters[i] = pg.Filter{Column: pk, Op: pg.OpEq, Value: values[i]}
	}
	return filters, nil
}

// render renders rows, embeds the extended relations and drops the columns
// that were selected only for embedding.
func (h *Handler) render(ctx context.Context, rows []map[string]any, q listQuery) ([]map[string]any, error) {
	rendered, err := RenderAll(h.Policy(), rows)
	if err != nil {
		return nil, err
	}
	if len(q.Extend) > 0 {
		if err := h.app.embed(ctx, h.Policy(), rows, rendered, q.Extend); err != nil {
			return nil, err
		}
	}
	for _, row := range rendered {
		for _, col := range q.hidden {
			delete(row, col)
		}
	}
	return rendered, nil
}

// count returns the number of rows matching filters. Planned and estimated
// counts are served from a short-lived cache.
func (h *Handler) count(ctx context.Context, filters []pg.Filter, prefer *Prefer) (int64, error) {
	if strings.EqualFold(prefer.Count, "exact") {
		return h.app.store.Count(ctx, h.Policy().Table, filters)
	}

	key := h.countPrefix() + fmt.Sprint(filters)
	if n, ok := h.app.counts.Get(key); ok {
		return n, nil
	}
	n, err := h.app.store.Count(ctx, h.Policy().Table, filters)
	if err != nil {
		return 0, err
	}
	h.app.counts.CleanupExpired()
	h.app.counts.Set(key, n, h.app.countTTL)
	return n, nil
}

func (h *Handler) countPrefix() string {
	return h.Policy().Table.FullName() + "?"
}

func (h *Handler) invalidateCounts() {
	h.app.counts.Invalidate(h.countPrefix())
}

func (h *Handler) location(r *http.Request, row map[string]any) string {
	pks := h.Policy().PrimaryKeys()
	if len(pks) == 0 {
		return ""
	}
	values := make([]string, len(pks))
	for i, pk := range pks {
		if row[pk] == nil {
			return ""
		}
		values[i] = url.PathEscape(keyText(row[pk]))
	}
	base, err := h.URL()
	if err != nil {
		httputil.Logger(r, h.app.logger).Warn("cannot build location", zap.String("handler", h.name), zap.Error(err))
		return ""
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.Join(values, ",")
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	e := AsError(err)
	logger := httputil.Logger(r, h.app.logger).With(
		zap.String("resource", h.Policy().Name),
		zap.String("operation", op),
		zap.Int("status", e.Status),
	)
	if e.Status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
	} else {
		logger.Debug("request rejected", zap.String("message", e.Message))
	}
	httputil.ErrorWithDetails(w, e.Status, e.Message, e.Details)
}

func methodNotAllowed(w http.ResponseWriter, method string, allowed []string) error {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	return MethodNotAllowed("method %s is not allowed", method)
}

func options(w http.ResponseWriter, allowed []string) error {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// writeJSON writes v, or only the headers for HEAD requests.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) error {
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		return nil
	}
	httputil.JSON(w, status, v)
	return nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return BadRequest("empty body")
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return BadRequest("empty body")
		case errors.As(err, &maxErr):
			return BadRequest("body exceeds %d bytes", maxErr.Limit)
		default:
			return BadRequest("invalid JSON body: %v", err)
		}
	}
	return nil
}

func contentRange(offset, n int, total string) string {
	if n == 0 {
		return "*/" + total
	}
	return fmt.Sprintf("%d-%d/%s", offset, offset+n-1, total)
}
