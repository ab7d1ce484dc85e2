package restlet_test

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/edgeflare/restlet/internal/testutil"
	"github.com/edgeflare/restlet/internal/testutil/memstore"
	"github.com/edgeflare/restlet/pkg/httputil"
	"github.com/edgeflare/restlet/pkg/pgx/schema"
	"github.com/edgeflare/restlet/pkg/restlet"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func catalog() schema.Tables {
	return schema.Tables(testutil.Tables())
}

type fixture struct {
	app    *restlet.Application
	tables schema.Tables
	store  *memstore.Store
	logs   *observer.ObservedLogs
}

func newFixture(t *testing.T, opts ...restlet.Option) *fixture {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	store := memstore.New()
	tables := catalog()
	opts = append([]restlet.Option{restlet.WithLogger(zap.New(core))}, opts...)
	return &fixture{
		app:    restlet.NewApplication(store, tables, opts...),
		tables: tables,
		store:  store,
		logs:   logs,
	}
}

// seed inserts groups admins(1) and staff(2), users alice(1, admins),
// bob(2, admins) and carol(3, no group), permissions read(1) and write(2),
// and grants admins both permissions and staff read.
func (f *fixture) seed() {
	f.store.Seed(testutil.Table("groups"),
		map[string]any{"name": "admins"},
		map[string]any{"name": "staff"},
	)
	f.store.Seed(testutil.Table("users"),
		map[string]any{"name": "alice", "fullname": "Alice Liddell", "password": "a", "group_id": int64(1)},
		map[string]any{"name": "bob", "password": "b", "group_id": int64(1)},
		map[string]any{"name": "carol", "password": "c"},
	)
	f.store.Seed(testutil.Table("permissions"),
		map[string]any{"name": "read"},
		map[string]any{"name": "write"},
	)
	f.store.Seed(testutil.Table("groups2permissions"),
		map[string]any{"group_id": int64(1), "permission_id": int64(1)},
		map[string]any{"group_id": int64(1), "permission_id": int64(2)},
		map[string]any{"group_id": int64(2), "permission_id": int64(1)},
	)
}

func (f *fixture) register(t *testing.T, uri string, meta restlet.Meta) *restlet.Handler {
	t.Helper()
	h, err := f.app.Register(uri, meta)
	require.NoError(t, err)
	return h
}

// registerUsers exposes users with a hidden, hashed password and an
// embeddable group.
func (f *fixture) registerUsers(t *testing.T) *restlet.Handler {
	t.Helper()
	enc, err := f.app.Registry().Encoder("sha256")
	require.NoError(t, err)
	return f.register(t, "/users", restlet.Meta{
		Table:      testutil.Table("users"),
		Readonly:   []string{"id", "created"},
		Invisible:  []string{"password"},
		Extensible: []string{"group"},
		Encoders:   map[string]restlet.Encoder{"password": enc},
	})
}

func (f *fixture) registerGroups(t *testing.T) *restlet.Handler {
	t.Helper()
	return f.register(t, "/groups", restlet.Meta{
		Table:      testutil.Table("groups"),
		Readonly:   []string{"id"},
		Extensible: []string{"users", "permissions"},
	})
}

// do serves one request through a router the application is mounted on.
// headers are key, value pairs.
func (f *fixture) do(method, target, body string, headers ...string) *httptest.ResponseRecorder {
	router := httputil.NewRouter()
	f.app.Mount(router)

	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func names(rows []map[string]any) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i], _ = r["name"].(string)
	}
	return out
}
