package guard

import (
	"net/url"
	"strings"
)

const (
	// HomePath is the neutral page role mismatches land on.
	HomePath = "/"
	// SignInPathBase is the sign-in page.
	SignInPathBase = "/login"
	// FromParam carries the originally requested path through sign-in.
	FromParam = "from"
)

// SignInPath returns the sign-in location remembering from.
func SignInPath(from string) string {
	from = SafeRedirect(from)
	if from == HomePath {
		return SignInPathBase
	}
	return SignInPathBase + "?" + url.Values{FromParam: {from}}.Encode()
}

// SafeRedirect returns target if it is a local absolute path, otherwise the
// home path. Scheme-relative and backslash forms are rejected.
func SafeRedirect(target string) string {
	target = strings.TrimSpace(target)
	if target == "" || !strings.HasPrefix(target, "/") {
		return HomePath
	}
	if strings.HasPrefix(target, "//") || strings.ContainsAny(target, "\\\r\n") {
		return HomePath
	}
	u, err := url.Parse(target)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return HomePath
	}
	if u.Path == SignInPathBase {
		return HomePath
	}
	return target
}
