package amqp

import (
	"fmt"
	"net/url"
)

// parsedURL is the subset of a parsed amqp(s) URL the dialer needs.
type parsedURL struct {
	Scheme   string
	Hostname string
	Port     string
	User     *url.Userinfo
}

// parseURL parses addr as an amqp, amqps, amqpws, or amqpwss URL.
// WebSocket schemes are accepted here for address-compatibility with
// peers that speak AMQP-over-WebSocket elsewhere, but this client only
// implements the plain TCP and TLS transports, so the dialer rejects
// them with an error.
func parseURL(addr string) (*parsedURL, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("amqp: invalid URL %q: %w", addr, err)
	}

	switch u.Scheme {
	case "amqp", "amqps", "amqpws", "amqpwss", "":
	default:
		return nil, fmt.Errorf("amqp: unsupported URL scheme %q", u.Scheme)
	}

	return &parsedURL{
		Scheme:   u.Scheme,
		Hostname: u.Hostname(),
		Port:     u.Port(),
		User:     u.User,
	}, nil
}
