package httpguard

import (
	"net"
	"strings"

	"github.com/flumeworks/flume/common/models"
)

var blockedHostnames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata":                 true,
	"instance-data":            true,
}

// validateHost resolves the hostname and rejects targets that point
// at loopback, private, link-local, or otherwise non-routable
// addresses. A DNS failure is not treated as a violation; the request
// itself will fail with the real resolution error.
func validateHost(hostname string) error {
	if hostname == "" {
		return models.Errf(models.ErrValidation, "url is missing a host")
	}

	lower := strings.ToLower(hostname)
	if blockedHostnames[lower] {
		return models.Errf(models.ErrSecurityViolation, "requests to host %q are blocked", hostname)
	}

	if ip := net.ParseIP(hostname); ip != nil {
		return validateIP(ip)
	}

	ips, err := net.LookupIP(hostname)
	if err != nil {
		return nil
	}
	for _, ip := range ips {
		if err := validateIP(ip); err != nil {
			return err
		}
	}
	return nil
}

func validateIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return models.Errf(models.ErrSecurityViolation, "requests to loopback address %s are blocked", ip)
	case ip.IsPrivate():
		return models.Errf(models.ErrSecurityViolation, "requests to private address %s are blocked", ip)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return models.Errf(models.ErrSecurityViolation, "requests to link-local address %s are blocked", ip)
	case ip.IsMulticast():
		return models.Errf(models.ErrSecurityViolation, "requests to multicast address %s are blocked", ip)
	case ip.IsUnspecified():
		return models.Errf(models.ErrSecurityViolation, "requests to unspecified address %s are blocked", ip)
	}
	return nil
}
