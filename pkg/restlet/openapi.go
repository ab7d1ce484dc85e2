package restlet

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/edgeflare/restlet/pkg/httputil"
	"github.com/edgeflare/restlet/pkg/pgx/schema"
	"go.uber.org/zap"
)

// OpenAPIInfo is the info block of the generated OpenAPI document.
type OpenAPIInfo struct {
	Title       string `json:"title" mapstructure:"title"`
	Description string `json:"description,omitempty" mapstructure:"description"`
	Version     string `json:"version" mapstructure:"version"`
	ServerURL   string `json:"-" mapstructure:"serverURL"`
}

// OpenAPIHandler serves an OpenAPI 3.1 document of the registered resources.
// It is rebuilt on every request so resources registered after Mount show up.
func (a *Application) OpenAPIHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := json.Marshal(a.OpenAPI())
		if err != nil {
			httputil.Logger(r, a.logger).Error("encode openapi document", zap.Error(err))
			httputil.Error(w, http.StatusInternalServerError, "internal server error")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(body); err != nil {
			httputil.Logger(r, a.logger).Debug("write openapi document", zap.Error(err))
		}
	})
}

// OpenAPI builds the document. Only allowed methods and visible fields are
// described. Fields that can be set on create but never updated carry
// x-create-only; only fields that can never be written are readOnly.
func (a *Application) OpenAPI() map[string]any {
	paths := make(map[string]any)
	schemas := make(map[string]any)

	for _, h := range a.Handlers() {
		uri, err := h.URL()
		if err != nil {
			continue
		}
		p := h.Policy()
		ref := map[string]string{"$ref": "#/components/schemas/" + h.name}
		schemas[h.name] = resourceSchema(p)

		if ops := collectionOperations(p, ref); len(ops) > 0 {
			paths[uri] = ops
		}
		if len(p.PrimaryKeys()) > 0 {
			if ops := itemOperations(p, ref); len(ops) > 0 {
				paths[strings.TrimSuffix(uri, "/")+"/{id}"] = ops
			}
		}
	}

	doc := map[string]any{
		"openapi": "3.1.0",
		"info":    a.openapi,
		"paths":   paths,
		"components": map[string]any{
			"schemas": schemas,
			"securitySchemes": map[string]any{
				"basicAuth": map[string]any{
					"type":        "http",
					"scheme":      "basic",
					"description": "Basic HTTP authentication using username and password",
				},
			},
		},
	}
	if a.openapi.ServerURL != "" {
		doc["servers"] = []map[string]any{{"url": strings.TrimSuffix(a.openapi.ServerURL, "/")}}
	}
	return doc
}

func collectionOperations(p *Policy, ref map[string]string) map[string]any {
	ops := make(map[string]any)
	if p.Allows(http.MethodGet) {
		ops["get"] = map[string]any{
			"summary":    fmt.Sprintf("List %s", p.Name),
			"parameters": listParameters(p),
			"responses": map[string]any{
				"200": jsonResponse("Success", map[string]any{"type": "array", "items": ref}),
				"400": description("Bad Request"),
			},
			"tags": []string{p.Name},
		}
	}
	if p.Allows(http.MethodPost) {
		ops["post"] = map[string]any{
			"summary":     fmt.Sprintf("Create %s", p.Name),
			"requestBody": jsonBody(ref),
			"responses": map[string]any{
				"201": jsonResponse("Created", ref),
				"400": description("Bad Request"),
				"409": description("Conflict"),
			},
			"tags": []string{p.Name},
		}
	}
	return ops
}

func itemOperations(p *Policy, ref map[string]string) map[string]any {
	params := []map[string]any{{
		"name":        "id",
		"in":          "path",
		"required":    true,
		"description": fmt.Sprintf("Primary key (%s), comma-separated when composite", strings.Join(p.PrimaryKeys(), ", ")),
		"schema":      map[string]string{"type": "string"},
	}}

	ops := make(map[string]any)
	if p.Allows(http.MethodGet) {
		ops["get"] = map[string]any{
			"summary":    fmt.Sprintf("Get %s", p.Name),
			"parameters": params,
			"responses": map[string]any{
				"200": jsonResponse("Success", ref),
				"404": description("Not Found"),
			},
			"tags": []string{p.Name},
		}
	}
	for _, m := range []string{http.MethodPut, http.MethodPatch} {
		if !p.Allows(m) {
			continue
		}
		ops[strings.ToLower(m)] = map[string]any{
			"summary":     fmt.Sprintf("Update %s", p.Name),
			"parameters":  params,
			"requestBody": jsonBody(ref),
			"responses": map[string]any{
				"200": jsonResponse("Success", ref),
				"204": description("No Content"),
				"400": description("Bad Request"),
				"404": description("Not Found"),
			},
			"tags": []string{p.Name},
		}
	}
	if p.Allows(http.MethodDelete) {
		ops["delete"] = map[string]any{
			"summary":    fmt.Sprintf("Delete %s", p.Name),
			"parameters": params,
			"responses": map[string]any{
				"204": description("No Content"),
				"404": description("Not Found"),
			},
			"tags": []string{p.Name},
		}
	}
	return ops
}

func listParameters(p *Policy) []map[string]any {
	params := []map[string]any{
		queryParam("select", "Comma-separated columns to return", "string"),
		queryParam("order", "Order by column(s), e.g. name.desc", "string"),
		queryParam("limit", fmt.Sprintf("Maximum number of rows, at most %d", p.MaxLimit), "integer"),
		queryParam("offset", "Number of rows to skip", "integer"),
	}
	if len(p.extensible) > 0 {
		params = append(params, queryParam("extend", "Relations to embed: "+strings.Join(p.extensible, ", "), "string"))
	}
	for _, f := range p.fields {
		if f.Visible {
			params = append(params, queryParam(f.Name, "Filter by "+f.Name+", e.g. eq.value", "string"))
		}
	}
	return params
}

const createOnlyDescription = "Set on create only; rejected in updates."

// resourceSchema describes the visible fields. A field is required when the
// column is not nullable and nothing fills it on create.
func resourceSchema(p *Policy) map[string]any {
	properties := make(map[string]any)
	var required []string
	for _, f := range p.fields {
		if !f.Visible {
			continue
		}
		s := columnSchema(f.Column)
		switch {
		case !f.Creatable:
			s["readOnly"] = true
		case !f.Changeable:
			s["description"] = createOnlyDescription
			s["x-create-only"] = true
		}
		properties[f.Name] = s
		if !f.Column.IsNullable && !f.Column.HasDefault && f.Generator == nil {
			required = append(required, f.Name)
		}
	}
	for _, name := range p.extensible {
		rel, ok := p.Table.Relation(name)
		if !ok {
			continue
		}
		if rel.Many() {
			properties[name] = map[string]any{"type": "array", "items": map[string]any{"type": "object"}, "readOnly": true}
		} else {
			properties[name] = map[string]any{"type": []string{"object", "null"}, "readOnly": true}
		}
	}

	s := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		slices.Sort(required)
		s["required"] = required
	}
	return s
}

// columnSchema maps a PostgreSQL data type to an OpenAPI schema.
func columnSchema(col schema.Column) map[string]any {
	t := col.DataType
	switch {
	case strings.Contains(t, "int"):
		format := "int32"
		if strings.Contains(t, "smallint") {
			format = "int16"
		} else if strings.Contains(t, "bigint") {
			format = "int64"
		}
		return map[string]any{"type": "integer", "format": format}
	case strings.Contains(t, "numeric"), strings.Contains(t, "decimal"), strings.Contains(t, "real"):
		return map[string]any{"type": "number", "format": "float"}
	case strings.Contains(t, "double"):
		return map[string]any{"type": "number", "format": "double"}
	case strings.Contains(t, "bool"):
		return map[string]any{"type": "boolean"}
	case strings.Contains(t, "timestamp"):
		return map[string]any{"type": "string", "format": "date-time"}
	case strings.Contains(t, "date"):
		return map[string]any{"type": "string", "format": "date"}
	case strings.Contains(t, "time"):
		return map[string]any{"type": "string", "format": "time"}
	case strings.Contains(t, "uuid"):
		return map[string]any{"type": "string", "format": "uuid"}
	case strings.Contains(t, "json"):
		return map[string]any{"type": "object", "additionalProperties": true}
	}
	return map[string]any{"type": "string"}
}

func queryParam(name, desc, typ string) map[string]any {
	return map[string]any{
		"name":        name,
		"in":          "query",
		"description": desc,
		"schema":      map[string]string{"type": typ},
	}
}

func description(text string) map[string]string {
	return map[string]string{"description": text}
}

func jsonResponse(desc string, s any) map[string]any {
	return map[string]any{
		"description": desc,
		"content":     map[string]any{"application/json": map[string]any{"schema": s}},
	}
}

func jsonBody(ref map[string]string) map[string]any {
	return map[string]any{
		"required": true,
		"content":  map[string]any{"application/json": map[string]any{"schema": ref}},
	}
}
