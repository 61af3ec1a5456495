package httpmw

import "net/url"

// LocalOrigin reports whether a browser Origin header points at this
// machine. The gateway binds to loopback, so a page served from anywhere
// else has no business calling it even when the request itself arrives
// over the loopback interface.
func LocalOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
