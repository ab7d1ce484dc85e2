package restlet_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/edgeflare/restlet/internal/testutil"
	"github.com/edgeflare/restlet/internal/testutil/memstore"
	"github.com/edgeflare/restlet/pkg/httputil"
	"github.com/edgeflare/restlet/pkg/metrics"
	pg "github.com/edgeflare/restlet/pkg/pgx"
	"github.com/edgeflare/restlet/pkg/pgx/schema"
	"github.com/edgeflare/restlet/pkg/restlet"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestListUsers(t *testing.T) {
	f := newFixture(t)
	f.seed()
	f.registerUsers(t)

	w := f.do(http.MethodGet, "/users", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "0-2/*", w.Header().Get("Content-Range"))

	rows := decode[[]map[string]any](t, w)
	assert.Equal(t, []string{"alice", "bob", "carol"}, names(rows))
	for _, r := range rows {
		assert.NotContains(t, r, "password")
		assert.Contains(t, r, "group_id")
	}
}

func TestListQueryParameters(t *testing.T) {
	f := newFixture(t)
	f.seed()
	f.registerUsers(t)

	tests := []struct {
		name   string
		target string
		want   []string
	}{
		{"eq", "/users?name=eq.bob", []string{"bob"}},
		{"bare value", "/users?name=carol", []string{"carol"}},
		{"neq", "/users?name=neq.bob", []string{"alice", "carol"}},
		{"like", "/users?name=like.a*", []string{"alice"}},
		{"ilike", "/users?fullname=ilike.*LIDDELL", []string{"alice"}},
		{"in", "/users?id=in.(1,3)", []string{"alice", "carol"}},
		{"is null", "/users?group_id=is.null", []string{"carol"}},
		{"eq null", "/users?group_id=eq.null", []string{"carol"}},
		{"not is null", "/users?group_id=not.is.null", []string{"alice", "bob"}},
		{"gt", "/users?id=gt.1", []string{"bob", "carol"}},
		{"lte", "/users?id=lte.2", []string{"alice", "bob"}},
		{"two filters", "/users?group_id=eq.1&name=neq.alice", []string{"bob"}},
		{"order desc", "/users?order=name.desc", []string{"carol", "bob", "alice"}},
		{"order nulls first", "/users?order=group_id.nullsfirst,name", []string{"carol", "alice", "bob"}},
		{"limit", "/users?limit=2", []string{"alice", "bob"}},
		{"offset", "/users?offset=1&limit=1", []string{"bob"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodGet, tt.target, "")
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			assert.Equal(t, tt.want, names(decode[[]map[string]any](t, w)))
		})
	}
}

func TestListRejectsInvalidParameters(t *testing.T) {
	f := newFixture(t)
	f.seed()
	f.registerUsers(t)

	for _, target := range []string{
		"/users?select=name,nope",
		"/users?select=password",
		"/users?password=eq.a",
		"/users?nope=eq.1",
		"/users?order=password",
		"/users?order=name.sideways",
		"/users?limit=0",
		"/users?limit=-1",
		"/users?offset=x",
		"/users?id=in.()",
		"/users?group_id=is.maybe",
		"/users?extend=permissions",
	} {
		t.Run(target, func(t *testing.T) {
			w := f.do(http.MethodGet, target, "")
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			resp := decode[httputil.ErrorResponse](t, w)
			assert.Equal(t, http.StatusBadRequest, resp.Code)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestListSelectAndLimitCap(t *testing.T) {
	f := newFixture(t)
	f.seed()
	f.register(t, "/users", restlet.Meta{Table: testutil.Table("users"), MaxLimit: 2})

	w := f.do(http.MethodGet, "/users?select=name,id&limit=50", "")
	require.Equal(t, http.StatusOK, w.Code)
	rows := decode[[]map[string]any](t, w)
	require.Len(t, rows, 2)
	assert.Equal(t, map[string]any{"id": float64(1), "name": "alice"}, rows[0])
	assert.Equal(t, "0-1/*", w.Header().Get("Content-Range"))
}

func TestListContentRangeWithCount(t *testing.T) {
	f := newFixture(t)
	f.seed()
	f.registerUsers(t)

	w := f.do(http.MethodGet, "/users?offset=1&limit=1", "", "Prefer", "count=exact")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1-1/3", w.Header().Get("Content-Range"))

	w = f.do(http.MethodGet, "/users?name=eq.nobody", "", "Prefer", "count=exact")
	assert.Equal(t, "*/0", w.Header().Get("Content-Range"))
	assert.Empty(t, decode[[]map[string]any](t, w))

	w = f.do(http.MethodGet, "/users?name=eq.nobody", "")
	assert.Equal(t, "*/*", w.Header().Get("Content-Range"))
}

func TestPlannedCountIsCached(t *testing.T) {
	f := newFixture(t, restlet.WithCountTTL(time.Minute))
	f.seed()
	f.registerUsers(t)

	w := f.do(http.MethodGet, "/users", "", "Prefer", "count=planned")
	assert.Equal(t, "0-2/3", w.Header().Get("Content-Range"))

	// written behind the application's back
	f.store.Seed(testutil.Table("users"), map[string]any{"name": "dave"})

	w = f.do(http.MethodGet, "/users?limit=1", "", "Prefer", "count=estimated")
	assert.Equal(t, "0-0/3", w.Header().Get("Content-Range"))

	w = f.do(http.MethodGet, "/users?limit=1", "", "Prefer", "count=exact")
	assert.Equal(t, "0-0/4", w.Header().Get("Content-Range"))

	// writes through the API invalidate the cached counts
	w = f.do(http.MethodPost, "/users", `{"name":"erin"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = f.do(http.MethodGet, "/users?limit=1", "", "Prefer", "count=planned")
	assert.Equal(t, "0-0/5", w.Header().Get("Content-Range"))
}

func TestHead(t *testing.T) {
	f := newFixture(t)
	f.seed()
	f.registerUsers(t)

	w := f.do(http.MethodHead, "/users", "", "Prefer", "count=exact")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0-2/3", w.Header().Get("Content-Range"))
	assert.Empty(t, w.Body.String())

	w = f.do(http.MethodHead, "/users/1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())

	w = f.do(http.MethodHead, "/users/99", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetItem(t *testing.T) {
	f := newFixture(t)
	f.seed()
	f.registerUsers(t)

	w := f.do(http.MethodGet, "/users/1", "")
	require.Equal(t, http.StatusOK, w.Code)
	row := decode[map[string]any](t, w)
	assert.Equal(t, "alice", row["name"])
	assert.Equal(t, float64(1), row["id"])
	assert.NotContains(t, row, "password")

	w = f.do(http.MethodGet, "/users/2?select=name", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"name": "bob"}, decode[map[string]any](t, w))

	w = f.do(http.MethodGet, "/users/1/", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/users/99", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "users 99 not found", decode[httputil.ErrorResponse](t, w).Message)

	w = f.do(http.MethodGet, "/users/1,2", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodGet, "/users/1/group/extra", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	f.seed()
	f.registerUsers(t)

	w := f.do(http.MethodPost, "/users", `{"name":"dave","password":"secret","group_id":2}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "/users/4", w.Header().Get("Location"))

	row := decode[map[string]any](t, w)
	assert.Equal(t, "dave", row["name"])
	assert.Equal(t, float64(4), row["id"])
	assert.NotContains(t, row, "password")

	stored := f.store.Rows(testutil.Table("users"))
	require.Len(t, stored, 4)
	sum := sha256.Sum256([]byte("secret"))
	assert.Equal(t, hex.EncodeToString(sum[:]), stored[3]["password"])
}

func TestCreateReadonlyFieldOnCreate(t *testing.T) {
	f := newFixture(t)
	f.registerUsers(t)

	w := f.do(http.MethodPost, "/users", `{"id":42,"name":"zed"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "/users/42", w.Header().Get("Location"))
}

func TestCreateMinimal(t *testing.T) {
	f := newFixture(t)
	f.registerUsers(t)

	for _, pref := range []string{"return=minimal", "return=headers-only"} {
		w := f.do(http.MethodPost, "/users", `{"name":"dave"}`, "Prefer", pref)
		assert.Equal(t, http.StatusCreated, w.Code)
		assert.NotEmpty(t, w.Header().Get("Location"))
		assert.Empty(t, w.Body.String())
	}
}

func TestCreateMany(t *testing.T) {
	f := newFixture(t)
	f.registerUsers(t)

	w := f.do(http.MethodPost, "/users", `[{"name":"dave"},{"name":"erin"}]`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, []string{"dave", "erin"}, names(decode[[]map[string]any](t, w)))
	assert.Empty(t, w.Header().Get("Location"))

	w = f.do(http.MethodPost, "/users", `[{"name":"frank"},{"nope":1}]`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode[httputil.ErrorResponse](t, w)
	assert.Equal(t, float64(1), resp.Details["index"])
	assert.Equal(t, []string{"dave", "erin"}, names(f.store.Rows(testutil.Table("users"))))

	w = f.do(http.MethodPost, "/users", `[{"name":"gina"}, 3]`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(http.MethodPost, "/users", `[]`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateErrors(t *testing.T) {
	f := newFixture(t)
	f.seed()
	f.registerUsers(t)
	f.store.Unique["public.users"] = []string{"name"}

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"unknown field", `{"name":"dave","nope":1}`, http.StatusBadRequest},
		{"not null", `{"fullname":"Nobody"}`, http.StatusBadRequest},
		{"duplicate", `{"name":"alice"}`, http.StatusConflict},
		{"invalid json", `{"name":`, http.StatusBadRequest},
		{"scalar", `"dave"`, http.StatusBadRequest},
		{"empty", ``, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodPost, "/users", tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}

	w := f.do(http.MethodPost, "/users", `{"name":"dave","nope":1}`)
	resp := decode[httputil.ErrorResponse](t, w)
	assert.Equal(t, "invalid payload", resp.Message)
	assert.Equal(t, []any{"unknown field"}, resp.Details["nope"])
	assert.Len(t, f.store.Rows(testutil.Table("users")), 3)
}

func TestCreateGeneratesAndValidates(t *testing.T) {
	f := newFixture(t)
	reg := f.app.Registry()
	gen, err := reg.Generator("uuid")
	require.NoError(t, err)
	minName, err := reg.Validator("min=3")
	require.NoError(t, err)
	maxFullname, err := reg.Validator("max=5")
	require.NoError(t, err)
	f.register(t, "/users", restlet.Meta{
		Table:      testutil.Table("users"),
		Generators: map[string]restlet.Generator{"key": gen},
		Validators: map[string][]restlet.Validator{
			"name":     {minName},
			"fullname": {maxFullname},
		},
	})

	w := f.do(http.MethodPost, "/users", `{"name":"dave"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	key, _ := decode[map[string]any](t, w)["key"].(string)
	assert.Len(t, key, 36)

	w = f.do(http.MethodPost, "/users", `{"name":"erin","key":"given"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "given", decode[map[string]any](t, w)["key"])

	w = f.do(http.MethodPost, "/users", `{"name":"ab","fullname":"much too long"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode[httputil.ErrorResponse](t, w)
	assert.Equal(t, "validation failed", resp.Message)
	assert.Equal(t, []any{"must be at least 3"}, resp.Details["name"])
	assert.Equal(t, []any{"must be at most 5"}, resp.Details["fullname"])

	// generators do not run on update
	w = f.do(http.MethodPatch, "/users/1", `{"fullname":"Dave"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, key, decode[map[string]any](t, w)["key"])
}

func TestUpdateItem(t *testing.T) {
	f := newFixture(t)
	f.seed()
	f.registerUsers(t)

	for _, method := range []string{http.MethodPatch, http.MethodPut} {
		t.Run(method, func(t *testing.T) {
			w := f.do(method, "/users/1", `{"fullname":"Alice `+method+`"}`)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			row := decode[map[string]any](t, w)
			assert.Equal(t, "Alice "+method, row["fullname"])
			assert.Equal(t, "alice", row["name"])
		})
	}

	w := f.do(http.MethodPatch, "/users/2", `{"password":"new"}`, "Prefer", "return=minimal")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
	sum := sha256.Sum256([]byte("new"))
	assert.Equal(t, hex.EncodeToString(sum[:]), f.store.Rows(testutil.Table("users"))[1]["password"])

	w = f.do(http.MethodPatch, "/users/99", `{"fullname":"x"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateRejectsFields(t *testing.T) {
	f := newFixture(t)
	f.seed()
	f.register(t, "/users", restlet.Meta{
		Table:      testutil.Table("users"),
		Readonly:   []string{"id"},
		Changeable: []string{"fullname", "password"},
	})

	tests := []struct {
		body   string
		field  string
		reason string
	}{
		{`{"id":7}`, "id", "field is readonly"},
		{`{"name":"mallory"}`, "name", "field is not changeable"},
		{`{"nope":1}`, "nope", "unknown field"},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			w := f.do(http.MethodPatch, "/users/1", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code)
			resp := decode[httputil.ErrorResponse](t, w)
			assert.Equal(t, []any{tt.reason}, resp.Details[tt.field])
		})
	}

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPatch, "/users/1", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPatch, "/users/1", `[1]`).Code)
	assert.Equal(t, "alice", f.store.Rows(testutil.Table("users"))[0]["name"])
}

func TestDeleteItem(t *testing.T) {
	f := newFixture(t)
	f.seed()
	f.registerUsers(t)

	w := f.do(http.MethodDelete, "/users/2", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Len(t, f.store.Rows(testutil.Table("users")), 2)

	w = f.do(http.MethodDelete, "/users/3", "", "Prefer", "return=representation")
	require.Equal(t, http.StatusOK, w.Code)
	row := decode[map[string]any](t, w)
	assert.Equal(t, "carol", row["name"])
	assert.NotContains(t, row, "password")

	w = f.do(http.MethodDelete, "/users/2", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBulkUpdateAndDelete(t *testing.T) {
	f := newFixture(t)
	f.seed()
	f.registerUsers(t)

	w := f.do(http.MethodPatch, "/users?group_id=eq.1", `{"fullname":"Admin"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rows := decode[[]map[string]any](t, w)
	assert.Equal(t, []string{"alice", "bob"}, names(rows))
	for _, r := range rows {
		assert.Equal(t, "Admin", r["fullname"])
	}

	w = f.do(http.MethodPut, "/users?name=eq.carol", `{"fullname":"C"}`, "Prefer", "return=minimal")
	assert.Equal(t, http.StatusNoContent, w.Code)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPatch, "/users", `{"fullname":"all"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodDelete, "/users", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodDelete, "/users?select=name", "").Code)

	w = f.do(http.MethodDelete, "/users?group_id=eq.1", "", "Prefer", "return=representation")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"alice", "bob"}, names(decode[[]map[string]any](t, w)))

	w = f.do(http.MethodDelete, "/users?name=eq.carol", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, f.store.Rows(testutil.Table("users")))
}

func TestMethodPolicy(t *testing.T) {
	f := newFixture(t)
	f.seed()
	f.register(t, "/users", restlet.Meta{Table: testutil.Table("users"), Denied: []string{"DELETE"}})
	f.register(t, "/groups", restlet.Meta{Table: testutil.Table("groups"), Allowed: []string{"GET"}})

	tests := []struct {
		method, target string
		status         int
		allow          string
	}{
		{http.MethodDelete, "/users/1", http.StatusMethodNotAllowed, "GET, HEAD, PUT, PATCH, OPTIONS"},
		{http.MethodDelete, "/users?id=eq.1", http.StatusMethodNotAllowed, "GET, HEAD, POST, PUT, PATCH, OPTIONS"},
		{http.MethodPost, "/users/1", http.StatusMethodNotAllowed, "GET, HEAD, PUT, PATCH, OPTIONS"},
		{http.MethodOptions, "/users", http.StatusNoContent, "GET, HEAD, POST, PUT, PATCH, OPTIONS"},
		{http.MethodOptions, "/users/1", http.StatusNoContent, "GET, HEAD, PUT, PATCH, OPTIONS"},
		{http.MethodPost, "/groups", http.StatusMethodNotAllowed, "GET, HEAD"},
		{http.MethodOptions, "/groups", http.StatusMethodNotAllowed, "GET, HEAD"},
		{http.MethodHead, "/groups", http.StatusOK, ""},
		{"TRACE", "/users", http.StatusNotImplemented, ""},
		{"PROPFIND", "/users/1", http.StatusNotImplemented, ""},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			w := f.do(tt.method, tt.target, "")
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.allow, w.Header().Get("Allow"))
		})
	}
	assert.Len(t, f.store.Rows(testutil.Table("users")), 3)
}

func TestCompositeKeys(t *testing.T) {
	memberships := schema.Table{
		Schema: "public",
		Name:   "memberships",
		Type:   schema.TypeTable,
		Columns: []schema.Column{
			{Name: "user_id", DataType: "integer", IsPrimaryKey: true},
			{Name: "group_id", DataType: "integer", IsPrimaryKey: true},
			{Name: "role", DataType: "text", IsNullable: true},
		},
		PrimaryKeys: []string{"user_id", "group_id"},
	}
	store := memstore.New()
	app := restlet.NewApplication(store, schema.NewTables(memberships))
	_, err := app.Register("/memberships", restlet.Meta{Table: &memberships})
	require.NoError(t, err)
	f := &fixture{app: app, store: store}

	w := f.do(http.MethodPost, "/memberships", `{"user_id":1,"group_id":2,"role":"owner"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "/memberships/1,2", w.Header().Get("Location"))

	w = f.do(http.MethodGet, "/memberships/1,2", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "owner", decode[map[string]any](t, w)["role"])

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/memberships/2,1", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/memberships/1", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/memberships/1,2,3", "").Code)
}

func TestItemWithoutPrimaryKey(t *testing.T) {
	f := newFixture(t)
	f.seed()
	f.register(t, "/links", restlet.Meta{Table: testutil.Table("groups2permissions")})

	w := f.do(http.MethodGet, "/links", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]map[string]any](t, w), 3)

	w = f.do(http.MethodGet, "/links/1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodPost, "/links", `{"group_id":2,"permission_id":2}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Empty(t, w.Header().Get("Location"))
}

func TestExtend(t *testing.T) {
	f := newFixture(t)
	f.seed()
	f.registerUsers(t)
	f.registerGroups(t)

	w := f.do(http.MethodGet, "/users?extend=group", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rows := decode[[]map[string]any](t, w)
	require.Len(t, rows, 3)
	assert.Equal(t, map[string]any{"id": float64(1), "name": "admins"}, rows[0]["group"])
	assert.Equal(t, "admins", rows[1]["group"].(map[string]any)["name"])
	assert.Contains(t, rows[2], "group")
	assert.Nil(t, rows[2]["group"])

	// the join column is fetched for embedding but not returned
	w = f.do(http.MethodGet, "/users?select=name&extend=group", "")
	require.Equal(t, http.StatusOK, w.Code)
	rows = decode[[]map[string]any](t, w)
	assert.Equal(t, map[string]any{"name": "alice", "group": map[string]any{"id": float64(1), "name": "admins"}}, rows[0])

	w = f.do(http.MethodGet, "/groups?extend=users,permissions&order=id", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	groups := decode[[]map[string]any](t, w)
	require.Len(t, groups, 2)

	admins := groups[0]["users"].([]any)
	require.Len(t, admins, 2)
	assert.NotContains(t, admins[0].(map[string]any), "password")
	assert.Empty(t, groups[1]["users"])
	assert.NotNil(t, groups[1]["users"])

	assert.Len(t, groups[0]["permissions"], 2)
	assert.Equal(t, "read", groups[1]["permissions"].([]any)[0].(map[string]any)["name"])

	w = f.do(http.MethodGet, "/users/3?extend=group", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, decode[map[string]any](t, w)["group"])
}

func TestRelationPath(t *testing.T) {
	f := newFixture(t)
	f.seed()
	f.registerUsers(t)
	f.registerGroups(t)

	w := f.do(http.MethodGet, "/users/1/group", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, map[string]any{"id": float64(1), "name": "admins"}, decode[map[string]any](t, w))

	w = f.do(http.MethodGet, "/groups/1/users", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"alice", "bob"}, names(decode[[]map[string]any](t, w)))

	w = f.do(http.MethodGet, "/groups/2/users", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]\n", w.Body.String())

	w = f.do(http.MethodGet, "/groups/2/permissions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"read"}, names(decode[[]map[string]any](t, w)))

	tests := []struct {
		method, target string
		status         int
	}{
		{http.MethodGet, "/users/3/group", http.StatusNotFound},
		{http.MethodGet, "/users/99/group", http.StatusNotFound},
		{http.MethodGet, "/users/1/permissions", http.StatusNotFound},
		{http.MethodGet, "/groups/1/groups2permissions", http.StatusNotFound},
		{http.MethodPost, "/groups/1/users", http.StatusMethodNotAllowed},
		{http.MethodOptions, "/groups/1/users", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			assert.Equal(t, tt.status, f.do(tt.method, tt.target, "").Code)
		})
	}
}

type recordingStore struct {
	*memstore.Store
	queries map[string][]pg.Query
}

func (s *recordingStore) Select(ctx context.Context, table *schema.Table, q pg.Query) ([]map[string]any, error) {
	s.queries[table.Name] = append(s.queries[table.Name], q)
	return s.Store.Select(ctx, table, q)
}

func TestRelatedRowsAreBounded(t *testing.T) {
	store := &recordingStore{Store: memstore.New(), queries: make(map[string][]pg.Query)}
	f := &fixture{app: restlet.NewApplication(store, catalog(), restlet.WithLogger(zap.NewNop())), store: store.Store}
	f.seed()
	f.store.Seed(testutil.Table("users"),
		map[string]any{"name": "dave", "password": "d", "group_id": int64(1)},
		map[string]any{"name": "erin", "password": "e", "group_id": int64(1)},
		map[string]any{"name": "frank", "password": "f", "group_id": int64(1)},
		map[string]any{"name": "grace", "password": "g", "group_id": int64(2)},
	)
	f.register(t, "/users", restlet.Meta{Table: testutil.Table("users"), Invisible: []string{"password"}, MaxLimit: 2})
	f.register(t, "/permissions", restlet.Meta{Table: testutil.Table("permissions"), MaxLimit: 1})
	f.registerGroups(t)

	t.Run("embedded", func(t *testing.T) {
		w := f.do(http.MethodGet, "/groups?extend=users,permissions&order=id", "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		groups := decode[[]map[string]any](t, w)
		require.Len(t, groups, 2)
		assert.Len(t, groups[0]["users"], 2)
		assert.Equal(t, "alice", groups[0]["users"].([]any)[0].(map[string]any)["name"])
		assert.Len(t, groups[1]["users"], 1)
		assert.Len(t, groups[0]["permissions"], 1)
		assert.Len(t, groups[1]["permissions"], 1)

		for _, q := range store.queries["users"] {
			assert.Positive(t, q.Limit)
			assert.LessOrEqual(t, q.Limit, 5)
		}
	})

	tests := []struct {
		target string
		want   []string
	}{
		{"/groups/1/users", []string{"alice", "bob"}},
		{"/groups/1/users?offset=2", []string{"dave", "erin"}},
		{"/groups/1/users?offset=4", []string{"frank"}},
		{"/groups/1/users?limit=1", []string{"alice"}},
		{"/groups/1/users?limit=50", []string{"alice", "bob"}},
		{"/groups/1/permissions", []string{"read"}},
		{"/groups/1/permissions?offset=1", []string{"write"}},
		{"/groups/1/permissions?offset=2", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			w := f.do(http.MethodGet, tt.target, "")
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			assert.Equal(t, tt.want, names(decode[[]map[string]any](t, w)))
		})
	}

	for _, target := range []string{"/groups/1/users?limit=0", "/groups/1/users?offset=-1", "/groups/1/users?limit=x"} {
		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, target, "").Code, target)
	}
}

func TestActions(t *testing.T) {
	f := newFixture(t)
	f.seed()
	h := f.registerUsers(t)

	var got map[string]string
	require.NoError(t, h.Action(`/(?P<uid>[0-9]+)/login`, func(w http.ResponseWriter, r *http.Request, params map[string]string) error {
		got = params
		if r.Header.Get("Authorization") == "" {
			return restlet.Unauthorized("missing credentials")
		}
		httputil.JSON(w, http.StatusOK, map[string]string{"uid": params["uid"]})
		return nil
	}, "post", "PUT"))
	require.NoError(t, h.Action(`/stats`, func(w http.ResponseWriter, r *http.Request, _ map[string]string) error {
		httputil.Text(w, http.StatusOK, "ok")
		return nil
	}))
	assert.Error(t, h.Action(`/(`, nil))

	w := f.do(http.MethodPost, "/users/7/login", "", "Authorization", "Basic x")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, map[string]string{"uid": "7"}, got)

	w = f.do(http.MethodPut, "/users/7/login", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "missing credentials", decode[httputil.ErrorResponse](t, w).Message)

	w = f.do(http.MethodGet, "/users/7/login", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "POST, PUT", w.Header().Get("Allow"))

	// actions shadow generated operations on the same path
	w = f.do(http.MethodGet, "/users/stats", "")
	assert.Equal(t, "ok", w.Body.String())

	w = f.do(http.MethodGet, "/users/x/login", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type failingStore struct {
	*memstore.Store
	err error
}

func (s failingStore) Select(context.Context, *schema.Table, pg.Query) ([]map[string]any, error) {
	return nil, s.err
}

func TestInternalErrors(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	store := failingStore{Store: memstore.New(), err: errors.New("connection reset by peer")}
	app := restlet.NewApplication(store, catalog(), restlet.WithLogger(zap.New(core)))
	_, err := app.Register("/users", restlet.Meta{Table: testutil.Table("users")})
	require.NoError(t, err)
	f := &fixture{app: app}

	w := f.do(http.MethodGet, "/users", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal server error", decode[httputil.ErrorResponse](t, w).Message)
	assert.NotContains(t, w.Body.String(), "connection reset")

	entries := logs.FilterMessage("request failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.ErrorLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "users", fields["resource"])
	assert.Equal(t, "list", fields["operation"])
	assert.Contains(t, fields["error"], "connection reset")
}

func TestRequestMetrics(t *testing.T) {
	f := newFixture(t)
	f.seed()
	f.registerUsers(t)

	ok := metrics.Requests.WithLabelValues("users", "get", "200")
	missing := metrics.Requests.WithLabelValues("users", "get", "404")
	before, beforeMissing := promtest.ToFloat64(ok), promtest.ToFloat64(missing)

	f.do(http.MethodGet, "/users/1", "")
	f.do(http.MethodGet, "/users/2", "")
	f.do(http.MethodGet, "/users/99", "")

	assert.Equal(t, before+2, promtest.ToFloat64(ok))
	assert.Equal(t, beforeMissing+1, promtest.ToFloat64(missing))
}

func TestRedirect(t *testing.T) {
	f := newFixture(t)
	f.registerUsers(t)
	require.NoError(t, f.app.Redirect("/people", "/users"))

	w := f.do(http.MethodGet, "/people/1?select=name", "")
	assert.Equal(t, http.StatusMovedPermanently, w.Code)
	assert.Equal(t, "/users/1?select=name", w.Header().Get("Location"))
}
