package restlet

import (
	"fmt"
	"net/http"
	"regexp"
	"slices"
	"strings"
)

// ActionFunc handles a custom route of a resource. params holds the named
// groups of the action pattern. A returned error is rendered like any
// dispatcher error.
type ActionFunc func(w http.ResponseWriter, r *http.Request, params map[string]string) error

type action struct {
	pattern *regexp.Regexp
	methods []string
	fn      ActionFunc
}

// Action registers fn for requests whose path below the resource matches
// pattern, e.g. `/(?P<uid>[0-9]+)/login`. The pattern is anchored at both
// ends and matched against "/" + relpath. Methods default to GET. Actions
// take precedence over the generated operations and are not subject to the
// resource's allowed methods.
func (h *Handler) Action(pattern string, fn ActionFunc, methods ...string) error {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return fmt.Errorf("action %s: %w", pattern, err)
	}
	if len(methods) == 0 {
		methods = []string{http.MethodGet}
	}
	methods = slices.Clone(methods)
	for i, m := range methods {
		methods[i] = strings.ToUpper(m)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.actions = append(h.actions, &action{pattern: re, methods: methods, fn: fn})
	return nil
}

// matchAction returns the first action matching path and method. When the
// path matches only with other methods, allowed lists them.
func (h *Handler) matchAction(path, method string) (a *action, params map[string]string, allowed []string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, candidate := range h.actions {
		m := candidate.pattern.FindStringSubmatch(path)
		if m == nil {
			continue
		}
		if !slices.Contains(candidate.methods, method) {
			for _, am := range candidate.methods {
				if !slices.Contains(allowed, am) {
					allowed = append(allowed, am)
				}
			}
			continue
		}
		params = make(map[string]string)
		for i, name := range candidate.pattern.SubexpNames() {
			if name != "" {
				params[name] = m[i]
			}
		}
		return candidate, params, nil
	}
	return nil, nil, allowed
}
