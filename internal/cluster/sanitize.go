package cluster

import "regexp"

// conninfoPassword matches a libpq keyword/value pair for password or
// sslpassword so it can be filtered out of anything that gets logged.
// Adapted from the URL-credential scrubber in gitaly's internal/helper
// (SanitizeString), generalized from "user:pass@host" URLs to libpq's
// "key=value key=value" connection-string grammar.
var conninfoPassword = regexp.MustCompile(`(?i)(password|sslpassword)=(('[^']*')|(\S+))`)

// SanitizeConninfo redacts password-bearing keywords from a libpq
// connection string so it is safe to place in a log line or error
// message.
func SanitizeConninfo(conninfo string) string {
	return conninfoPassword.ReplaceAllString(conninfo, "$1=[FILTERED]")
}
