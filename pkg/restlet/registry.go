package restlet

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/edgeflare/restlet/pkg/pgx/schema"
	"github.com/edgeflare/restlet/pkg/util/rand"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Registry holds named encoders, decoders and generators so that resources
// declared in configuration can refer to them. Validators are built from
// go-playground/validator tags.
type Registry struct {
	encoders   sync.Map // map[string]Encoder
	decoders   sync.Map // map[string]Decoder
	generators sync.Map // map[string]Generator
	validate   *validator.Validate
}

// NewRegistry returns a Registry with the built-in codecs registered.
func NewRegistry() *Registry {
	r := &Registry{validate: validator.New(validator.WithRequiredStructEnabled())}
	r.registerBuiltins()
	return r
}

func (r *Registry) RegisterEncoder(name string, fn Encoder) { r.encoders.Store(name, fn) }

func (r *Registry) RegisterDecoder(name string, fn Decoder) { r.decoders.Store(name, fn) }

func (r *Registry) RegisterGenerator(name string, fn Generator) { r.generators.Store(name, fn) }

func (r *Registry) Encoder(name string) (Encoder, error) {
	if v, ok := r.encoders.Load(name); ok {
		return v.(Encoder), nil
	}
	return nil, fmt.Errorf("encoder %s not found", name)
}

func (r *Registry) Decoder(name string) (Decoder, error) {
	if v, ok := r.decoders.Load(name); ok {
		return v.(Decoder), nil
	}
	return nil, fmt.Errorf("decoder %s not found", name)
}

func (r *Registry) Generator(name string) (Generator, error) {
	if v, ok := r.generators.Load(name); ok {
		return v.(Generator), nil
	}
	return nil, fmt.Errorf("generator %s not found", name)
}

// Validator returns a Validator checking a value against a validator tag
// such as "required,min=3,max=64" or "email". The tag is parsed once here so
// an undefined or malformed tag fails at declaration time.
func (r *Registry) Validator(tag string) (Validator, error) {
	if err := r.checkTag(tag); err != nil {
		return nil, err
	}
	return func(value any, _ map[string]any) error {
		err := r.validate.Var(value, tag)
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return errors.New(validationMessage(verrs[0]))
		}
		return err
	}, nil
}

// checkTag runs the tag against an empty value; validator panics while
// parsing a tag it does not know.
func (r *Registry) checkTag(tag string) (err error) {
	if strings.TrimSpace(tag) == "" {
		return errors.New("empty validator tag")
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("validator tag %q: %v", tag, rec)
		}
	}()
	var verrs validator.ValidationErrors
	if err := r.validate.Var("", tag); err != nil && !errors.As(err, &verrs) {
		return fmt.Errorf("validator tag %q: %w", tag, err)
	}
	return nil
}

func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return "must be at least " + e.Param()
	case "max":
		return "must be at most " + e.Param()
	case "len":
		return "must have length " + e.Param()
	case "uuid":
		return "must be a valid UUID"
	case "oneof":
		return "must be one of: " + e.Param()
	default:
		return "failed " + e.Tag() + " validation"
	}
}

// Declaration is a resource as written in a configuration file. Codecs are
// referenced by registry name and validators by tag.
type Declaration struct {
	Table      string            `mapstructure:"table"`
	Path       string            `mapstructure:"path"`
	Name       string            `mapstructure:"name"`
	Allowed    []string          `mapstructure:"allowed"`
	Denied     []string          `mapstructure:"denied"`
	Changeable []string          `mapstructure:"changeable"`
	Readonly   []string          `mapstructure:"readonly"`
	Invisible  []string          `mapstructure:"invisible"`
	Extensible []string          `mapstructure:"extensible"`
	Encoders   map[string]string `mapstructure:"encoders"`
	Decoders   map[string]string `mapstructure:"decoders"`
	Generators map[string]string `mapstructure:"generators"`
	Validators map[string]string `mapstructure:"validators"`
	MaxLimit   int               `mapstructure:"maxLimit"`
}

// Meta builds the Meta of a declaration against its table, resolving codec
// names. Column names are checked later by Resolve.
func (r *Registry) Meta(table *schema.Table, d Declaration) (Meta, error) {
	m := Meta{
		Table:      table,
		Name:       d.Name,
		Allowed:    upper(d.Allowed),
		Denied:     upper(d.Denied),
		Changeable: d.Changeable,
		Readonly:   d.Readonly,
		Invisible:  d.Invisible,
		Extensible: d.Extensible,
		MaxLimit:   d.MaxLimit,
	}

	var errs []error
	if len(d.Encoders) > 0 {
		m.Encoders = make(map[string]Encoder, len(d.Encoders))
		for field, name := range d.Encoders {
			fn, err := r.Encoder(name)
			errs = append(errs, err)
			m.Encoders[field] = fn
		}
	}
	if len(d.Decoders) > 0 {
		m.Decoders = make(map[string]Decoder, len(d.Decoders))
		for field, name := range d.Decoders {
			fn, err := r.Decoder(name)
			errs = append(errs, err)
			m.Decoders[field] = fn
		}
	}
	if len(d.Generators) > 0 {
		m.Generators = make(map[string]Generator, len(d.Generators))
		for field, name := range d.Generators {
			fn, err := r.Generator(name)
			errs = append(errs, err)
			m.Generators[field] = fn
		}
	}
	if len(d.Validators) > 0 {
		m.Validators = make(map[string][]Validator, len(d.Validators))
		for field, tag := range d.Validators {
			fn, err := r.Validator(tag)
			if err != nil {
				errs = append(errs, fmt.Errorf("field %s: %w", field, err))
				continue
			}
			m.Validators[field] = []Validator{fn}
		}
	}
	return m, errors.Join(errs...)
}

func upper(methods []string) []string {
	if methods == nil {
		return nil
	}
	out := make([]string, len(methods))
	for i, m := range methods {
		out[i] = strings.ToUpper(strings.TrimSpace(m))
	}
	return out
}

func (r *Registry) registerBuiltins() {
	r.RegisterEncoder("md5", stringEncoder(func(s string) (string, error) {
		sum := md5.Sum([]byte(s))
		return hex.EncodeToString(sum[:]), nil
	}))
	r.RegisterEncoder("sha256", stringEncoder(func(s string) (string, error) {
		sum := sha256.Sum256([]byte(s))
		return hex.EncodeToString(sum[:]), nil
	}))
	r.RegisterEncoder("bcrypt", stringEncoder(func(s string) (string, error) {
		hash, err := bcrypt.GenerateFromPassword([]byte(s), bcrypt.DefaultCost)
		return string(hash), err
	}))
	r.RegisterEncoder("lower", stringEncoder(func(s string) (string, error) { return strings.ToLower(s), nil }))
	r.RegisterEncoder("upper", stringEncoder(func(s string) (string, error) { return strings.ToUpper(s), nil }))
	r.RegisterEncoder("trim", stringEncoder(func(s string) (string, error) { return strings.TrimSpace(s), nil }))

	r.RegisterDecoder("mask", func(v any, _ map[string]any) (any, error) {
		if v == nil {
			return nil, nil
		}
		return "********", nil
	})
	r.RegisterDecoder("rfc3339", func(v any, _ map[string]any) (any, error) {
		if t, ok := v.(time.Time); ok {
			return t.UTC().Format(time.RFC3339), nil
		}
		return v, nil
	})
	r.RegisterDecoder("unix", func(v any, _ map[string]any) (any, error) {
		if t, ok := v.(time.Time); ok {
			return t.Unix(), nil
		}
		return v, nil
	})

	r.RegisterGenerator("uuid", func(map[string]any) (any, error) { return uuid.NewString(), nil })
	r.RegisterGenerator("now", func(map[string]any) (any, error) { return time.Now().UTC(), nil })
	r.RegisterGenerator("password", func(map[string]any) (any, error) { return rand.NewPassword(), nil })
	r.RegisterGenerator("name", func(map[string]any) (any, error) { return rand.NewName(), nil })
}

// stringEncoder adapts a string transform into an Encoder. Nil passes
// through; other values are formatted with %v.
func stringEncoder(fn func(string) (string, error)) Encoder {
	return func(v any, _ map[string]any) (any, error) {
		if v == nil {
			return nil, nil
		}
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		return fn(s)
	}
}

// CheckPassword compares a bcrypt hash produced by the "bcrypt" encoder with
// a plain password.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
