package restlet

import (
	"context"
	"maps"
	"net/http"
	"slices"

	"github.com/edgeflare/restlet/pkg/metrics"
)

const (
	stageValidate = "validate"
	stageEncode   = "encode"
	stageDecode   = "decode"
	stageGenerate = "generate"
)

// fieldErrors collects messages per field and turns them into a single 400.
type fieldErrors map[string][]string

func (fe fieldErrors) add(field, msg string) {
	fe[field] = append(fe[field], msg)
}

func (fe fieldErrors) err(message string) error {
	if len(fe) == 0 {
		return nil
	}
	e := BadRequest("%s", message)
	for _, field := range slices.Sorted(maps.Keys(fe)) {
		e.WithDetail(field, fe[field])
	}
	return e
}

// DecodeCreate turns a create payload into a storage row: unknown fields are
// rejected, validators and encoders run on supplied fields, and generators
// fill fields the payload omits.
func DecodeCreate(ctx context.Context, p *Policy, body map[string]any) (map[string]any, error) {
	errs := make(fieldErrors)
	for name := range body {
		f, ok := p.Field(name)
		switch {
		case !ok:
			errs.add(name, "unknown field")
		case !f.Creatable:
			errs.add(name, "field cannot be set")
		}
	}
	if err := errs.err("invalid payload"); err != nil {
		return nil, err
	}

	row, err := encode(ctx, p, body)
	if err != nil {
		return nil, err
	}

	for _, f := range p.fields {
		if f.Generator == nil {
			continue
		}
		if _, ok := body[f.Name]; ok {
			continue
		}
		v, err := f.Generator(row)
		if err != nil {
			metrics.CodecErrors.WithLabelValues(p.Name, f.Name, stageGenerate).Inc()
			return nil, BadRequest("cannot generate %s", f.Name).WithDetail(f.Name, []string{err.Error()})
		}
		row[f.Name] = v
	}
	return row, nil
}

// DecodeUpdate turns an update payload into the columns to set. Readonly and
// non-changeable fields are rejected; generators do not run.
func DecodeUpdate(ctx context.Context, p *Policy, body map[string]any) (map[string]any, error) {
	if len(body) == 0 {
		return nil, BadRequest("empty update payload")
	}

	errs := make(fieldErrors)
	for name := range body {
		f, ok := p.Field(name)
		switch {
		case !ok:
			errs.add(name, "unknown field")
		case f.Readonly:
			errs.add(name, "field is readonly")
		case !f.Changeable:
			errs.add(name, "field is not changeable")
		}
	}
	if err := errs.err("invalid payload"); err != nil {
		return nil, err
	}

	return encode(ctx, p, body)
}

// encode runs every validator first, then every encoder, on the supplied
// fields. Validators see wire values; encoders see the whole wire row.
func encode(ctx context.Context, p *Policy, body map[string]any) (map[string]any, error) {
	errs := make(fieldErrors)
	for _, f := range p.fields {
		v, ok := body[f.Name]
		if !ok {
			continue
		}
		for _, validate := range f.Validators {
			if err := validate(v, body); err != nil {
				metrics.CodecErrors.WithLabelValues(p.Name, f.Name, stageValidate).Inc()
				errs.add(f.Name, err.Error())
			}
		}
	}
	if err := errs.err("validation failed"); err != nil {
		return nil, err
	}

	row := maps.Clone(body)
	if row == nil {
		row = make(map[string]any)
	}
	for _, f := range p.fields {
		v, ok := body[f.Name]
		if !ok || f.Encoder == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		enc, err := f.Encoder(v, body)
		if err != nil {
			metrics.CodecErrors.WithLabelValues(p.Name, f.Name, stageEncode).Inc()
			errs.add(f.Name, err.Error())
			continue
		}
		row[f.Name] = enc
	}
	if err := errs.err("cannot encode payload"); err != nil {
		return nil, err
	}
	return row, nil
}

// Render turns a storage row into its wire form: invisible and unknown
// columns are dropped and decoders are applied.
func Render(p *Policy, row map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(row))
	for name, v := range row {
		f, ok := p.Field(name)
		if !ok || !f.Visible {
			continue
		}
		if f.Decoder != nil {
			dec, err := f.Decoder(v, row)
			if err != nil {
				metrics.CodecErrors.WithLabelValues(p.Name, f.Name, stageDecode).Inc()
				return nil, &Error{Status: http.StatusInternalServerError, Message: "cannot render " + f.Name, Cause: err}
			}
			v = dec
		}
		out[name] = v
	}
	return out, nil
}

// RenderAll renders every row with Render.
func RenderAll(p *Policy, rows []map[string]any) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		r, err := Render(p, row)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
