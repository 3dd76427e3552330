package main

import (
	"fmt"
	"net"
	"strings"
)

// listenerURL renders the address the arena is reachable on for the startup
// log line, with the scheme following the TLS configuration.
func listenerURL(address string, tlsEnabled bool) string {
	scheme := "http"
	if tlsEnabled {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, normaliseHostPort(address))
}

// normaliseHostPort rewrites wildcard listen addresses into something a
// developer can paste straight into a client.
func normaliseHostPort(address string) string {
	trimmed := strings.TrimSpace(address)
	switch {
	case trimmed == "":
		return "localhost"
	case strings.HasPrefix(trimmed, ":"):
		return "localhost" + trimmed
	}
	host, port, err := net.SplitHostPort(trimmed)
	if err != nil {
		return trimmed
	}
	host = strings.TrimSpace(host)
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
