package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Hostnames that must never receive server-initiated requests, checked
// before any DNS resolution.
var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// ValidateEndpointURL vets a caller-supplied URL before the server will
// deliver requests to it. Loopback, private, link-local, and
// unspecified destinations are refused, whether given as IP literals or
// reached through DNS, so a webhook registration cannot point delivery
// at internal infrastructure.
func ValidateEndpointURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}

	host := u.Hostname()
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("URL host %q is not allowed", host)
		}
	}

	// An IP literal is checked directly, with no resolution step.
	if ip := net.ParseIP(host); ip != nil {
		return rejectNonPublic(ip)
	}

	// A hostname must resolve, and every address it resolves to must
	// be deliverable.
	addrs, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil {
			continue
		}
		if err := rejectNonPublic(ip); err != nil {
			return fmt.Errorf("URL host %q resolves to blocked address: %v", host, err)
		}
	}
	return nil
}

func rejectNonPublic(ip net.IP) error {
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
