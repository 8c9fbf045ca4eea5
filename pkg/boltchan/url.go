package boltchan

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Scheme identifies the connection-URL scheme family (§6 added).
type Scheme int

const (
	SchemePlain Scheme = iota
	SchemeEncrypted
	SchemeEncryptedSelfSigned
	SchemeRouting
	SchemeRoutingEncrypted
	SchemeRoutingEncryptedSelfSigned
	SchemeWebSocket
	SchemeRoutingWebSocket
)

// DefaultPort is used when a connection URL omits an explicit port.
const DefaultPort = 7687

var schemesByName = map[string]Scheme{
	"bolt":          SchemePlain,
	"bolt+s":        SchemeEncrypted,
	"bolt+ssc":      SchemeEncryptedSelfSigned,
	"neo4j":         SchemeRouting,
	"neo4j+s":       SchemeRoutingEncrypted,
	"neo4j+ssc":     SchemeRoutingEncryptedSelfSigned,
	"bolt+ws":       SchemeWebSocket,
	"neo4j+ws":      SchemeRoutingWebSocket,
}

// ParsedURL is a normalized Bolt connection URL.
type ParsedURL struct {
	Scheme        Scheme
	Host          string
	Port          int
	RoutingContext map[string]string
}

// IsRouting reports whether Scheme selects the routing driver rather than
// a direct single-address connection.
func (p *ParsedURL) IsRouting() bool {
	switch p.Scheme {
	case SchemeRouting, SchemeRoutingEncrypted, SchemeRoutingEncryptedSelfSigned, SchemeRoutingWebSocket:
		return true
	}
	return false
}

// IsEncrypted reports whether Scheme requests a TLS channel.
func (p *ParsedURL) IsEncrypted() bool {
	switch p.Scheme {
	case SchemeEncrypted, SchemeEncryptedSelfSigned, SchemeRoutingEncrypted, SchemeRoutingEncryptedSelfSigned:
		return true
	}
	return false
}

// IsWebSocket reports whether Scheme selects the WebSocket channel.
func (p *ParsedURL) IsWebSocket() bool {
	return p.Scheme == SchemeWebSocket || p.Scheme == SchemeRoutingWebSocket
}

// Address returns the normalized "host:port" string used as a pool/routing
// key everywhere in the driver.
func (p *ParsedURL) Address() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// ParseURL parses a Bolt connection URL of the form
// scheme://host[:port][?key=value&...]. Duplicate query keys and empty
// keys/values are parse errors (§6).
func ParseURL(raw string) (*ParsedURL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("boltchan: invalid connection url: %w", err)
	}

	scheme, ok := schemesByName[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, fmt.Errorf("boltchan: unknown connection scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("boltchan: connection url is missing a host")
	}

	port := DefaultPort
	if portStr := u.Port(); portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("boltchan: invalid port %q: %w", portStr, err)
		}
	}

	ctx, err := parseRoutingContext(u.RawQuery)
	if err != nil {
		return nil, err
	}

	return &ParsedURL{Scheme: scheme, Host: host, Port: port, RoutingContext: ctx}, nil
}

func parseRoutingContext(rawQuery string) (map[string]string, error) {
	ctx := map[string]string{}
	if rawQuery == "" {
		return ctx, nil
	}
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		key, err := url.QueryUnescape(parts[0])
		if err != nil {
			return nil, fmt.Errorf("boltchan: invalid routing context key %q: %w", parts[0], err)
		}
		if key == "" {
			return nil, fmt.Errorf("boltchan: routing context has an empty key")
		}
		if len(parts) != 2 || parts[1] == "" {
			return nil, fmt.Errorf("boltchan: routing context key %q has an empty value", key)
		}
		value, err := url.QueryUnescape(parts[1])
		if err != nil {
			return nil, fmt.Errorf("boltchan: invalid routing context value for %q: %w", key, err)
		}
		if _, dup := ctx[key]; dup {
			return nil, fmt.Errorf("boltchan: duplicate routing context key %q", key)
		}
		ctx[key] = value
	}
	return ctx, nil
}
