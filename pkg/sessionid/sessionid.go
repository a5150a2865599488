// Package sessionid generates correlation tags for a run of detections.
//
// A session id looks like
//
//	speaker-detector_studio-mac.local_2026-10-15T09-41-07-123Z_1.4.0_3f9c0a1b2c4d
//
// and is meant to be greppable in backend logs. It is not a security token.
package sessionid

import (
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ClientVersion is stamped into every session id. Override at build time with
// -ldflags "-X github.com/MrWong99/speakersync/pkg/sessionid.ClientVersion=1.2.3".
var ClientVersion = "0.0.0-dev"

// DefaultPrefix is used when [Generator.Prefix] is empty.
const DefaultPrefix = "speaker-detector"

// suffixLen is the number of random hex characters appended to each id.
const suffixLen = 12

var unsafeHostChars = regexp.MustCompile(`[^A-Za-z0-9.\-]`)

// Generator produces session ids. The zero value is usable: it reads the host
// name from the OS and stamps [ClientVersion].
type Generator struct {
	// Prefix is the library name prefix. Default: [DefaultPrefix].
	Prefix string

	// Host identifies the client machine. Default: os.Hostname().
	Host string

	// Version is the client version tag. Default: [ClientVersion].
	Version string

	// Now returns the current time. Default: time.Now.
	Now func() time.Time
}

// Generate returns a new session id.
func (g Generator) Generate() string {
	prefix := g.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	host := g.Host
	if host == "" {
		host, _ = os.Hostname()
		if host == "" {
			host = "unknown-host"
		}
	}
	version := g.Version
	if version == "" {
		version = ClientVersion
	}
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}

	return strings.Join([]string{
		prefix,
		SanitizeHost(host),
		Timestamp(now()),
		version,
		randomSuffix(),
	}, "_")
}

// Generate is a convenience wrapper around a zero [Generator].
func Generate() string {
	return Generator{}.Generate()
}

// SanitizeHost replaces every character other than ASCII letters, digits,
// '.' and '-' with '_'.
func SanitizeHost(host string) string {
	return unsafeHostChars.ReplaceAllString(host, "_")
}

// Timestamp formats t as a UTC ISO-8601 timestamp with millisecond precision
// and ':' / '.' replaced by '-'.
func Timestamp(t time.Time) string {
	s := t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	return strings.NewReplacer(":", "-", ".", "-").Replace(s)
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLen]
}
