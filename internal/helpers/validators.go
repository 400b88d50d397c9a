package helpers

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ValidateHost checks a host address of the form [user@]name[:port].
// name may be a hostname or an IP address.
func ValidateHost(host string) error {
	if strings.TrimSpace(host) == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if strings.ContainsAny(host, " \t\n\r") {
		return fmt.Errorf("host %q contains whitespace", host)
	}

	if i := strings.LastIndex(host, "@"); i >= 0 {
		if i == 0 {
			return fmt.Errorf("host %q has an empty user", host)
		}
		host = host[i+1:]
	}

	name := host
	if h, port, err := net.SplitHostPort(host); err == nil {
		p, err := strconv.Atoi(port)
		if err != nil || p < 1 || p > 65535 {
			return fmt.Errorf("host %q has an invalid port", host)
		}
		name = h
	}

	if net.ParseIP(name) != nil {
		return nil
	}
	return IsValidHostname(name)
}

func IsValidHostname(name string) error {
	if len(name) == 0 || len(name) > 253 {
		return fmt.Errorf("hostname length must be between 1 and 253 characters")
	}

	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return fmt.Errorf("hostname cannot start or end with a dot")
	}

	for _, label := range strings.Split(name, ".") {
		if err := validateDomainLabel(label); err != nil {
			return fmt.Errorf("invalid label '%s': %w", label, err)
		}
	}

	return nil
}

func validateDomainLabel(label string) error {
	if len(label) == 0 || len(label) > 63 {
		return fmt.Errorf("label length must be between 1 and 63 characters")
	}

	if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
		return fmt.Errorf("label cannot start or end with hyphen")
	}

	// Check for valid characters (alphanumeric and hyphens)
	for _, r := range label {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-') {
			return fmt.Errorf("label contains invalid character: %c", r)
		}
	}

	return nil
}
