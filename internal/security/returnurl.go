package security

import (
	"net/url"
	"strings"

	"github.com/mbd888/luxbill/internal/apperr"
)

// ErrReturnURL is returned for redirect targets outside the application.
var ErrReturnURL = apperr.New(apperr.InvalidInput, "return URL must point at the application")

// ResolveReturnURL checks a caller-supplied redirect target for checkout and
// onboarding flows. Relative paths are joined onto baseURL; absolute URLs
// must share its scheme and host. An empty raw yields baseURL + fallback.
func ResolveReturnURL(baseURL, raw, fallback string) (string, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || base.Host == "" {
		return "", apperr.New(apperr.NotConfigured, "APP_BASE_URL is not a valid absolute URL")
	}
	if raw == "" {
		raw = fallback
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", ErrReturnURL
	}
	if !u.IsAbs() {
		if !strings.HasPrefix(u.Path, "/") || strings.HasPrefix(raw, "//") {
			return "", ErrReturnURL
		}
		return base.ResolveReference(u).String(), nil
	}
	if !strings.EqualFold(u.Scheme, base.Scheme) || !strings.EqualFold(u.Host, base.Host) {
		return "", ErrReturnURL
	}
	return u.String(), nil
}
