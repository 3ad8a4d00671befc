package adapter

import (
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/net/http2/hpack"

	"github.com/albertbausili/duplex/internal/message"
)

// validateRequestHeaders checks the header block that opens a request stream.
// Extended CONNECT (RFC 8441) carries :protocol and keeps :scheme and :path;
// plain CONNECT carries only :method and :authority.
func validateRequestHeaders(fields []hpack.HeaderField) error {
	var (
		method      string
		hasScheme   bool
		hasPath     bool
		hasAuth     bool
		hasProtocol bool
		seenRegular bool
		seenPseudo  = make(map[string]bool)
	)

	for _, f := range fields {
		if f.Name != strings.ToLower(f.Name) {
			return fmt.Errorf("header field name must be lowercase: %s", f.Name)
		}

		if !strings.HasPrefix(f.Name, ":") {
			seenRegular = true
			if err := validateRegular(f); err != nil {
				return err
			}
			continue
		}

		if seenRegular {
			return fmt.Errorf("pseudo-header %s appears after regular header", f.Name)
		}
		if seenPseudo[f.Name] {
			return fmt.Errorf("duplicate pseudo-header: %s", f.Name)
		}
		seenPseudo[f.Name] = true

		switch f.Name {
		case message.PseudoMethod:
			method = f.Value
		case message.PseudoScheme:
			hasScheme = true
		case message.PseudoPath:
			hasPath = true
			if f.Value == "" {
				return fmt.Errorf("empty :path pseudo-header")
			}
		case message.PseudoAuthority:
			hasAuth = true
		case message.PseudoProtocol:
			hasProtocol = true
		default:
			return fmt.Errorf("unknown pseudo-header: %s", f.Name)
		}
	}

	if method == "" {
		return fmt.Errorf("missing required :method pseudo-header")
	}
	if hasProtocol && method != http.MethodConnect {
		return fmt.Errorf(":protocol pseudo-header with method %s", method)
	}
	if method == http.MethodConnect && !hasProtocol {
		if hasScheme || hasPath {
			return fmt.Errorf("CONNECT request must not carry :scheme or :path")
		}
		if !hasAuth {
			return fmt.Errorf("CONNECT request missing :authority")
		}
		return nil
	}
	if !hasScheme {
		return fmt.Errorf("missing required :scheme pseudo-header")
	}
	if !hasPath {
		return fmt.Errorf("missing required :path pseudo-header")
	}
	return nil
}

// validateResponseHeaders checks the header block that opens a response stream.
func validateResponseHeaders(fields []hpack.HeaderField) error {
	hasStatus := false
	seenRegular := false
	for _, f := range fields {
		if !strings.HasPrefix(f.Name, ":") {
			seenRegular = true
			if err := validateRegular(f); err != nil {
				return err
			}
			continue
		}
		if seenRegular {
			return fmt.Errorf("pseudo-header %s appears after regular header", f.Name)
		}
		if f.Name != message.PseudoStatus {
			return fmt.Errorf("unexpected pseudo-header in response: %s", f.Name)
		}
		if hasStatus {
			return fmt.Errorf("duplicate pseudo-header: %s", f.Name)
		}
		hasStatus = true
	}
	if !hasStatus {
		return fmt.Errorf("missing required :status pseudo-header")
	}
	return nil
}

// validateTrailerHeaders validates trailing headers. Trailers must not carry
// pseudo-headers and follow the same connection-specific restrictions.
func validateTrailerHeaders(fields []hpack.HeaderField) error {
	for _, f := range fields {
		if strings.HasPrefix(f.Name, ":") {
			return fmt.Errorf("pseudo-header not allowed in trailers: %s", f.Name)
		}
		if err := validateRegular(f); err != nil {
			return err
		}
	}
	return nil
}

func validateRegular(f hpack.HeaderField) error {
	if f.Name != strings.ToLower(f.Name) {
		return fmt.Errorf("header field name must be lowercase: %s", f.Name)
	}
	if message.IsHopByHop(f.Name) {
		return fmt.Errorf("connection-specific header not allowed: %s", f.Name)
	}
	if f.Name == "te" && !strings.EqualFold(f.Value, "trailers") {
		return fmt.Errorf("TE header must be 'trailers', got: %s", f.Value)
	}
	return nil
}
