package flow

import (
	"strings"
	"unicode"
)

// Scheme is the source of a flow.
type Scheme string

const (
	// SchemeStatic marks flows loaded from files.
	SchemeStatic Scheme = "static"
	// SchemeDynamic marks flows stored in the database.
	SchemeDynamic Scheme = "dynamic"
)

const schemeSep = "://"

// NormalizeURI returns the canonical form scheme://path[#index] of a flow uri or id.
// A bare value without a slash is taken as a dynamic id, anything else as a static path.
// Surrounding slashes, an empty fragment and the default "#0" are dropped.
func NormalizeURI(uri string) string {
	return normalize(uri, "")
}

// NormalizeURIAs normalizes uri, using scheme when uri carries none.
func NormalizeURIAs(uri string, scheme Scheme) string {
	return normalize(uri, scheme)
}

func normalize(uri string, fallback Scheme) string {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return ""
	}
	var scheme Scheme
	rest := uri
	if i := strings.Index(uri, schemeSep); i >= 0 {
		scheme = Scheme(strings.ToLower(uri[:i]))
		rest = uri[i+len(schemeSep):]
	}

	path, fragment, _ := strings.Cut(rest, "#")
	path = strings.TrimFunc(path, func(r rune) bool { return r == '/' || unicode.IsSpace(r) })
	fragment = strings.TrimFunc(fragment, func(r rune) bool { return r == '#' || r == '/' || unicode.IsSpace(r) })
	if fragment == "0" {
		fragment = ""
	}
	if path == "" && fragment == "" {
		return ""
	}

	if scheme == "" {
		scheme = fallback
	}
	if scheme == "" {
		if strings.Contains(path, "/") {
			scheme = SchemeStatic
		} else {
			scheme = SchemeDynamic
		}
	}

	out := string(scheme) + schemeSep + path
	if fragment != "" {
		out += "#" + fragment
	}
	return out
}

// splitURI returns the scheme and the path#fragment part of a normalized uri.
func splitURI(normalized string) (Scheme, string) {
	scheme, rest, ok := strings.Cut(normalized, schemeSep)
	if !ok {
		return "", normalized
	}
	return Scheme(scheme), rest
}

// withScheme re-expresses a normalized uri under another scheme.
func withScheme(normalized string, scheme Scheme) string {
	_, rest := splitURI(normalized)
	return string(scheme) + schemeSep + rest
}
