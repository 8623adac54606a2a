package ws

import (
	"net/http"
	"net/url"
	"strings"
)

var loopbackHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
}

// originPolicy decides which browser origins may open a stream. With an
// explicit list, an origin passes when it matches an entry exactly or shares
// an entry's host:port. Without one, only the gateway's own host and
// loopback origins pass. Requests without an Origin header always pass.
type originPolicy struct {
	origins map[string]bool
	hosts   map[string]bool
}

func newOriginPolicy(allowed []string) originPolicy {
	p := originPolicy{origins: map[string]bool{}, hosts: map[string]bool{}}
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		p.origins[entry] = true
		if host := originHost(entry); host != "" {
			p.hosts[host] = true
		}
	}
	return p
}

func (p originPolicy) restricted() bool { return len(p.origins) > 0 }

func (p originPolicy) check(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	switch {
	case origin == "":
		return true
	case p.origins[origin]:
		return true
	}

	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if p.restricted() {
		return p.hosts[u.Host]
	}
	return u.Host == r.Host || loopbackHosts[u.Hostname()]
}

// originHost returns the host:port of an origin URL, or "" if it has none.
func originHost(origin string) string {
	u, err := url.Parse(origin)
	if err != nil {
		return ""
	}
	return u.Host
}
