package api

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/media-scraper/internal/media"
)

var errInvalidURL = fmt.Errorf("%w: invalid URL", media.ErrValidation)

// ValidateURL trims raw and accepts it only as an absolute http or https URL
// with a host. The trimmed form is returned.
func ValidateURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errInvalidURL
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", errInvalidURL
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return "", errInvalidURL
	}
	if u.Host == "" {
		return "", errInvalidURL
	}
	return trimmed, nil
}
