package restlet_test

import (
	"testing"
	"time"

	"github.com/edgeflare/restlet/internal/testutil"
	"github.com/edgeflare/restlet/pkg/restlet"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinEncoders(t *testing.T) {
	reg := restlet.NewRegistry()

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"md5", "password", "5f4dcc3b5aa765d61d8327deb882cf99"},
		{"sha256", "password", "5e884898da28047151d0e56f8dc6292773603d0d6aabbdd62a11ef721d1542d8"},
		{"lower", "MiXeD", "mixed"},
		{"upper", "MiXeD", "MIXED"},
		{"trim", "  padded\t", "padded"},
		{"upper", 42, "42"},
		{"sha256", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := reg.Encoder(tt.name)
			require.NoError(t, err)
			got, err := enc(tt.in, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBcryptEncoder(t *testing.T) {
	enc, err := restlet.NewRegistry().Encoder("bcrypt")
	require.NoError(t, err)

	hash, err := enc("s3cret", nil)
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", hash)
	assert.True(t, restlet.CheckPassword(hash.(string), "s3cret"))
	assert.False(t, restlet.CheckPassword(hash.(string), "guess"))
	assert.False(t, restlet.CheckPassword("not a hash", "s3cret"))
}

func TestBuiltinDecoders(t *testing.T) {
	reg := restlet.NewRegistry()
	ts := time.Date(2024, 1, 2, 4, 4, 5, 0, time.FixedZone("CET", 3600))

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"mask", "secret", "********"},
		{"mask", nil, nil},
		{"rfc3339", ts, "2024-01-02T03:04:05Z"},
		{"rfc3339", "already text", "already text"},
		{"unix", ts, ts.Unix()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec, err := reg.Decoder(tt.name)
			require.NoError(t, err)
			got, err := dec(tt.in, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuiltinGenerators(t *testing.T) {
	reg := restlet.NewRegistry()
	generate := func(name string) any {
		gen, err := reg.Generator(name)
		require.NoError(t, err)
		v, err := gen(nil)
		require.NoError(t, err)
		return v
	}

	_, err := uuid.Parse(generate("uuid").(string))
	assert.NoError(t, err)
	assert.WithinDuration(t, time.Now(), generate("now").(time.Time), time.Minute)
	assert.Len(t, generate("password"), 16)
	assert.Contains(t, generate("name"), "_")
}

func TestRegistryLookupAndOverride(t *testing.T) {
	reg := restlet.NewRegistry()

	_, err := reg.Encoder("rot13")
	assert.EqualError(t, err, "encoder rot13 not found")
	_, err = reg.Decoder("rot13")
	assert.Error(t, err)
	_, err = reg.Generator("rot13")
	assert.Error(t, err)

	reg.RegisterEncoder("lower", func(v any, _ map[string]any) (any, error) { return "custom", nil })
	enc, err := reg.Encoder("lower")
	require.NoError(t, err)
	got, _ := enc("X", nil)
	assert.Equal(t, "custom", got)
}

func TestRegistryValidator(t *testing.T) {
	reg := restlet.NewRegistry()

	tests := []struct {
		tag   string
		value any
		want  string
	}{
		{"required", "", "is required"},
		{"email", "not-an-email", "must be a valid email address"},
		{"min=3", "ab", "must be at least 3"},
		{"max=2", "abc", "must be at most 2"},
		{"oneof=red green", "blue", "must be one of: red green"},
		{"uuid", "1234", "must be a valid UUID"},
		{"alpha", "a1", "failed alpha validation"},
		{"email", "alice@example.com", ""},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			validate, err := reg.Validator(tt.tag)
			require.NoError(t, err)
			err = validate(tt.value, nil)
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.want)
		})
	}
}

func TestRegistryValidatorRejectsBadTags(t *testing.T) {
	reg := restlet.NewRegistry()
	for _, tag := range []string{"minn=3", "required,emial", "min=abc", " "} {
		fn, err := reg.Validator(tag)
		assert.Error(t, err, tag)
		assert.Nil(t, fn, tag)
	}
}

func TestRegistryMeta(t *testing.T) {
	reg := restlet.NewRegistry()
	table := testutil.Table("users")

	meta, err := reg.Meta(table, restlet.Declaration{
		Table:      "users",
		Allowed:    []string{"get", " post"},
		Readonly:   []string{"id"},
		Invisible:  []string{"password"},
		Encoders:   map[string]string{"password": "sha256"},
		Decoders:   map[string]string{"created": "rfc3339"},
		Generators: map[string]string{"key": "uuid"},
		Validators: map[string]string{"name": "required,min=3"},
		MaxLimit:   10,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"GET", "POST"}, meta.Allowed)
	assert.NotNil(t, meta.Encoders["password"])
	assert.NotNil(t, meta.Decoders["created"])
	assert.NotNil(t, meta.Generators["key"])
	require.Len(t, meta.Validators["name"], 1)
	assert.EqualError(t, meta.Validators["name"][0]("ab", nil), "must be at least 3")

	p, err := restlet.Resolve(meta)
	require.NoError(t, err)
	assert.Equal(t, []string{"GET", "HEAD", "POST"}, p.AllowedMethods())
	assert.Equal(t, 10, p.MaxLimit)

	_, err = reg.Meta(table, restlet.Declaration{
		Encoders:   map[string]string{"password": "rot13"},
		Generators: map[string]string{"key": "dice"},
		Validators: map[string]string{"name": "minn=3"},
	})
	assert.ErrorContains(t, err, "encoder rot13 not found")
	assert.ErrorContains(t, err, "generator dice not found")
	assert.ErrorContains(t, err, `field name: validator tag "minn=3"`)
}
