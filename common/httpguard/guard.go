// Package httpguard validates outbound request targets for http
// nodes: protocol allow-list, loopback/private/link-local address
// blocking, and path traversal patterns. Workflows execute
// user-authored URLs, so the engine treats every target as untrusted.
package httpguard

import (
	"net/url"
	"strings"

	"github.com/flumeworks/flume/common/models"
)

// URLValidator performs the full target validation for one URL.
type URLValidator struct {
	allowPrivate bool
}

// Opts configures a URLValidator.
type Opts struct {
	// AllowPrivate permits loopback and private-network targets.
	// Deployments whose workflows call internal services set this.
	AllowPrivate bool
}

// NewURLValidator creates a validator with the default deny posture.
func NewURLValidator(opts Opts) *URLValidator {
	return &URLValidator{allowPrivate: opts.AllowPrivate}
}

var allowedProtocols = map[string]bool{
	"http":  true,
	"https": true,
}

var blockedPathPatterns = []string{
	"file://",
	"../",
	"..\\",
	"/etc/",
	"/proc/",
	"/sys/",
	"%2e%2e/",
	"%2e%2e%2f",
	"..%2f",
	"%2e%2e%5c",
	"..%5c",
}

// Validate checks protocol, host, and path. Violations are
// security-violation errors so the scheduler poisons the execution
// rather than retrying.
func (v *URLValidator) Validate(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return models.WrapErr(models.ErrValidation, err, "invalid url")
	}

	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if scheme == "" {
		return models.Errf(models.ErrValidation, "url is missing a protocol scheme")
	}
	if !allowedProtocols[scheme] {
		return models.Errf(models.ErrSecurityViolation, "protocol %q is not allowed (only http/https)", scheme)
	}

	if !v.allowPrivate {
		if err := validateHost(parsed.Hostname()); err != nil {
			return err
		}
	}

	lowerPath := strings.ToLower(parsed.Path)
	for _, pattern := range blockedPathPatterns {
		if strings.Contains(lowerPath, pattern) {
			return models.Errf(models.ErrSecurityViolation, "url path contains blocked pattern %q", pattern)
		}
	}

	return nil
}
