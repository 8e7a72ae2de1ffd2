package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// EndpointPolicy controls which outbound URLs (webhook targets) are accepted.
type EndpointPolicy struct {
	// RequireHTTPS rejects plain http targets.
	RequireHTTPS bool
	// AllowPrivate permits loopback and private addresses (local development).
	AllowPrivate bool
	// Resolve looks up hostnames; nil uses net.LookupHost.
	Resolve func(host string) ([]string, error)
}

// ProductionPolicy is the policy applied outside development.
var ProductionPolicy = EndpointPolicy{RequireHTTPS: true}

// Validate checks that rawURL is safe for server-side requests. Both the
// literal host and its resolved addresses are checked.
func (p EndpointPolicy) Validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}

	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && !p.RequireHTTPS:
	case u.Scheme == "http":
		return fmt.Errorf("URL scheme must be https")
	default:
		return fmt.Errorf("URL scheme must be http or https")
	}

	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	if u.User != nil {
		return fmt.Errorf("URL must not embed credentials")
	}
	if p.AllowPrivate {
		return nil
	}

	host := u.Hostname()
	for _, b := range []string{"localhost", "metadata.google.internal", "metadata.google"} {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("URL host %q is not allowed", host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	resolve := p.Resolve
	if resolve == nil {
		resolve = net.LookupHost
	}
	ips, err := resolve(host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, ipStr := range ips {
		if resolved := net.ParseIP(ipStr); resolved != nil {
			if err := checkIP(resolved); err != nil {
				return fmt.Errorf("URL host %q resolves to blocked address: %v", host, err)
			}
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("loopback addresses are not allowed")
	case ip.IsPrivate():
		return fmt.Errorf("private addresses are not allowed")
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local addresses are not allowed")
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified addresses are not allowed")
	}
	return nil
}
