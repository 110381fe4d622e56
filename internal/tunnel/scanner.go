package tunnel

import (
	"regexp"
	"strings"
)

// cloudflared prints the assigned hostname to either stdout or stderr
// depending on version, so both streams are scanned with the same matcher.
var publicURLPattern = regexp.MustCompile(`https://[a-zA-Z0-9][a-zA-Z0-9-]*\.trycloudflare\.com`)

// registrationMarker appears in cloudflared's logs once a named tunnel has
// registered its connection with the edge.
const registrationMarker = "Registered tunnel connection"

// extractPublicURL pulls the ephemeral public URL out of one log line.
func extractPublicURL(line string) (string, bool) {
	url := publicURLPattern.FindString(line)
	return url, url != ""
}

// isRegistrationSuccess reports whether a log line announces a named
// tunnel's successful registration.
func isRegistrationSuccess(line string) bool {
	return strings.Contains(line, registrationMarker)
}
