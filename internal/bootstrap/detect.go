package bootstrap

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// SourceKind is the shape of a restore source
type SourceKind int

const (
	Unknown SourceKind = iota
	// Repository is a version-controlled remote that can be cloned.
	Repository
	// Archive is a zip file served over HTTP.
	Archive
)

func (k SourceKind) String() string {
	switch k {
	case Repository:
		return "repository"
	case Archive:
		return "archive"
	default:
		return "unknown"
	}
}

// ErrUnsupportedSource is returned for URLs that are neither a repository
// nor an archive.
var ErrUnsupportedSource = errors.New("unsupported restore source")

// DetectSource classifies a restore URL by the suffix of its path. Paths
// ending in .git are repositories on any transport, including scp-like
// addresses and local paths. http(s) URLs whose path ends in .zip are
// archives. Everything else is rejected rather than guessed.
func DetectSource(raw string) (SourceKind, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Unknown, fmt.Errorf("%w: empty URL", ErrUnsupportedSource)
	}

	scheme, p := splitSource(raw)
	p = strings.ToLower(strings.TrimRight(p, "/"))

	switch {
	case strings.HasSuffix(p, ".git"):
		return Repository, nil
	case strings.HasSuffix(p, ".zip") && (scheme == "http" || scheme == "https"):
		return Archive, nil
	default:
		return Unknown, fmt.Errorf("%w: %s", ErrUnsupportedSource, raw)
	}
}

// splitSource returns the scheme and path of raw. scp-like addresses
// (user@host:path) and local paths have no scheme.
func splitSource(raw string) (string, string) {
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", ""
		}
		return strings.ToLower(u.Scheme), u.Path
	}

	if at := strings.Index(raw, "@"); at >= 0 {
		if colon := strings.Index(raw[at:], ":"); colon >= 0 {
			return "", raw[at+colon+1:]
		}
	}

	return "", raw
}
