package server

import (
	"fmt"
	"net"
	"net/url"

	"github.com/moviepigeon/oauth/storage"
)

// validateHTTPSEnforcement ensures the issuer runs over HTTPS outside of
// localhost development. OAuth over HTTP exposes authorization codes,
// tokens, and client credentials to interception.
func (s *Server) validateHTTPSEnforcement() error {
	// Empty issuer fails elsewhere with a more useful error
	if s.Config.Issuer == "" {
		return nil
	}

	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	if issuerURL.Scheme == "https" {
		return nil
	}

	if issuerURL.Scheme == "http" {
		hostname := issuerURL.Hostname()

		if isLocalhostHostname(hostname) {
			if !s.Config.AllowInsecureHTTP {
				s.Logger.Warn("⚠️  DEVELOPMENT WARNING: Running OAuth over HTTP on localhost",
					"issuer", s.Config.Issuer,
					"risk", "Credentials exposed on local network",
					"to_suppress", "Set AllowInsecureHTTP=true in Config")
			}
			return nil
		}

		if !s.Config.AllowInsecureHTTP {
			return fmt.Errorf(
				"SECURITY ERROR: Issuer must use HTTPS in production (got %s://%s). "+
					"OAuth over HTTP exposes tokens and credentials to interception. "+
					"To run on localhost for development, set AllowInsecureHTTP=true",
				issuerURL.Scheme,
				hostname,
			)
		}

		s.Logger.Error("🚨 CRITICAL SECURITY WARNING: Running OAuth server over HTTP",
			"issuer", s.Config.Issuer,
			"hostname", hostname,
			"risk", "All tokens and credentials exposed to network sniffing and MITM attacks",
			"action_required", "Switch to HTTPS immediately")

		return nil
	}

	return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
}

// isLocalhostHostname checks if a hostname refers to the local machine.
// This includes the localhost name, 0.0.0.0, the entire 127.0.0.0/8 range,
// and the IPv6 loopback.
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" || hostname == "0.0.0.0" {
		return true
	}

	// url.Hostname may leave brackets on IPv6 addresses, net.ParseIP won't
	// accept them
	clean := hostname
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		clean = hostname[1 : len(hostname)-1]
	}

	if ip := net.ParseIP(clean); ip != nil {
		return ip.IsLoopback()
	}

	return false
}

// resolveRedirectURI resolves the redirect URI for an authorization request
// against the client's single registered URI. An empty request URI falls
// back to the registered one; a non-empty URI must match it exactly.
func (s *Server) resolveRedirectURI(client *storage.Client, requested string) (string, error) {
	resolved := requested
	if resolved == "" {
		resolved = client.RedirectURI
	}
	if resolved == "" {
		return "", fmt.Errorf("client has no registered redirect URI")
	}

	if resolved != client.RedirectURI {
		return "", fmt.Errorf("redirect URI not registered for client")
	}

	if err := validateRedirectURISecurity(resolved); err != nil {
		return "", err
	}

	return resolved, nil
}

// validateRedirectURISecurity performs structural checks on a redirect URI.
// Fragments are forbidden by RFC 6749, and http is only acceptable for
// loopback development clients.
func validateRedirectURISecurity(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect URI: %w", err)
	}

	if parsed.Fragment != "" {
		return fmt.Errorf("redirect URI must not contain a fragment")
	}

	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		if !isLocalhostHostname(parsed.Hostname()) {
			return fmt.Errorf("http redirect URIs are only allowed for loopback addresses")
		}
		return nil
	default:
		return fmt.Errorf("unsupported redirect URI scheme: %s", parsed.Scheme)
	}
}
