package httpapi

import (
	"net/http"
	"net/url"
	"strings"
)

// OriginChecker returns a websocket origin check. Requests without an Origin
// header (devices, CLI clients) and same-origin requests are always accepted.
// Other origins must be listed as scheme://host[:port]; "*" accepts every
// origin.
func OriginChecker(allowed []string) func(r *http.Request) bool {
	all := false
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		o = strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
		if o == "*" {
			all = true
		}
		if o != "" {
			set[o] = struct{}{}
		}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || all {
			return true
		}

		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}

		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}
