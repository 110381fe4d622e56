package bridge

import "net/url"

type builtinOrigin struct {
	scheme  string
	host    string
	portAny bool
}

// Origins the desktop shell and local dev servers present on upgrade.
var builtinOrigins = []builtinOrigin{
	{scheme: "tauri", host: "localhost", portAny: false},
	{scheme: "https", host: "tauri.localhost", portAny: false},
	{scheme: "http", host: "localhost", portAny: true},
	{scheme: "http", host: "127.0.0.1", portAny: true},
}

func isBuiltinOrigin(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	hostname := u.Hostname()
	port := u.Port()
	for _, b := range builtinOrigins {
		if u.Scheme != b.scheme {
			continue
		}
		if hostname != b.host {
			continue
		}
		if !b.portAny && port != "" {
			continue
		}
		return true
	}
	return false
}
