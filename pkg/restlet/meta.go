package restlet

import (
	"github.com/edgeflare/restlet/pkg/pgx/schema"
)

// Encoder converts a wire value into its stored form (e.g. hashing a
// password). row holds the other incoming fields.
type Encoder func(value any, row map[string]any) (any, error)

// Decoder converts a stored value into its wire form.
type Decoder func(value any, row map[string]any) (any, error)

// Generator produces the stored value of a field missing on create.
type Generator func(row map[string]any) (any, error)

// Validator checks an incoming wire value before it is encoded.
type Validator func(value any, row map[string]any) error

// Meta declares how a table is exposed.
//
// A nil slice means "no restriction" for Allowed and Changeable, and
// "nothing" for Denied, Readonly, Invisible and Extensible.
type Meta struct {
	Table *schema.Table

	// Name identifies the resource in routes, logs and metrics. Defaults
	// to the table name.
	Name string

	Allowed    []string
	Denied     []string
	Changeable []string
	Readonly   []string
	Invisible  []string
	Extensible []string

	Encoders   map[string]Encoder
	Decoders   map[string]Decoder
	Generators map[string]Generator
	Validators map[string][]Validator

	// MaxLimit caps ?limit on lists. Zero uses 1000.
	MaxLimit int
}

const (
	defaultLimit    = 100
	defaultMaxLimit = 1000
)
