package restlet

import (
	"net/http"
	"strings"
)

// Prefer holds preferences from the Prefer header (RFC 7240). A nil *Prefer
// means the header was absent and the resource defaults apply.
type Prefer struct {
	Return string // "minimal", "representation", "headers-only"
	Count  string // "exact", "planned", "estimated"
}

// parsePrefer parses the Prefer header according to RFC 7240.
// It returns nil if the header is not present.
func parsePrefer(r *http.Request) *Prefer {
	header := r.Header.Get("Prefer")
	if header == "" {
		return nil
	}

	p := &Prefer{}

	parseKeyValPairs(header, func(key, value string) {
		switch key {
		case "return":
			if isValidReturn(value) {
				p.Return = strings.ToLower(value)
			}
		case "count":
			if isValidCount(value) {
				p.Count = value
			}
		}
	})

	return p
}

// parseKeyValPairs calls fn for each key=value directive of the header.
func parseKeyValPairs(header string, fn func(key, value string)) {
	prefs := strings.SplitSeq(header, ",")
	for pref := range prefs {
		pref = strings.TrimSpace(pref)
		if key, value, found := strings.Cut(pref, "="); found {
			fn(strings.TrimSpace(strings.ToLower(key)), strings.Trim(strings.TrimSpace(value), `"`))
		}
	}
}

// isValidReturn reports whether s is a valid return preference value.
func isValidReturn(s string) bool {
	switch strings.ToLower(s) {
	case "minimal", "representation", "headers-only":
		return true
	}
	return false
}

// isValidCount reports whether s is a valid count preference value.
func isValidCount(s string) bool {
	switch strings.ToLower(s) {
	case "exact", "planned", "estimated":
		return true
	}
	return false
}

// WantsRepresentation reports whether the client prefers full representation
// in the response body for mutation operations.
func (p *Prefer) WantsRepresentation() bool {
	return p != nil && p.Return == "representation"
}

// WantsHeadersOnly reports whether the client prefers only headers
// with no response body for mutation operations.
func (p *Prefer) WantsHeadersOnly() bool {
	return p != nil && p.Return == "headers-only"
}

// WantsMinimal reports whether the client asked for no body on mutations.
func (p *Prefer) WantsMinimal() bool {
	return p != nil && (p.Return == "minimal" || p.Return == "headers-only")
}

// WantsCount reports whether the client asked for any total count. Planned
// and estimated counts are served as exact counts.
func (p *Prefer) WantsCount() bool {
	return p != nil && p.Count != ""
}
