package message

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/http2/hpack"
)

// Pseudo-header names.
const (
	PseudoMethod    = ":method"
	PseudoScheme    = ":scheme"
	PseudoAuthority = ":authority"
	PseudoPath      = ":path"
	PseudoStatus    = ":status"
	PseudoProtocol  = ":protocol"
)

// ErrInvalidTE is returned when a TE header carries anything but "trailers".
var ErrInvalidTE = errors.New(`message: TE header must be "trailers"`)

// hopByHop lists connection-specific headers never copied between versions.
var hopByHop = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
}

// IsHopByHop reports whether the lowercase name is connection-specific.
func IsHopByHop(name string) bool {
	return hopByHop[name]
}

// ToHTTP1 copies HTTP/2 header fields into m. Pseudo-headers fill the request or
// status line, :authority becomes Host, and cookie crumbs are joined with "; ".
// When trailer is set the fields land in m.Trailer and pseudo-headers are rejected.
func ToHTTP1(m *Message, fields []hpack.HeaderField, trailer bool) error {
	dst := m.Header
	if trailer {
		if m.Trailer == nil {
			m.Trailer = make(http.Header)
		}
		dst = m.Trailer
	}

	var cookies []string
	for _, f := range fields {
		if strings.HasPrefix(f.Name, ":") {
			if trailer {
				return fmt.Errorf("pseudo-header %s in trailers", f.Name)
			}
			if err := applyPseudo(m, f); err != nil {
				return err
			}
			continue
		}
		if !httpguts.ValidHeaderFieldName(f.Name) {
			return fmt.Errorf("invalid header field name %q", f.Name)
		}
		if !httpguts.ValidHeaderFieldValue(f.Value) {
			return fmt.Errorf("invalid header field value for %q", f.Name)
		}
		name := strings.ToLower(f.Name)
		switch {
		case hopByHop[name]:
			continue
		case name == "te":
			if !strings.EqualFold(f.Value, "trailers") {
				return ErrInvalidTE
			}
		case name == "cookie":
			cookies = append(cookies, f.Value)
			continue
		}
		dst.Add(name, f.Value)
	}
	if len(cookies) > 0 {
		dst.Set("Cookie", strings.Join(cookies, "; "))
	}
	return nil
}

func applyPseudo(m *Message, f hpack.HeaderField) error {
	switch f.Name {
	case PseudoMethod:
		m.Method = f.Value
	case PseudoScheme:
		m.Scheme = f.Value
	case PseudoAuthority:
		m.Authority = f.Value
		m.Header.Set("Host", f.Value)
	case PseudoPath:
		m.Path = f.Value
	case PseudoProtocol:
		m.Protocol = f.Value
	case PseudoStatus:
		code, err := strconv.Atoi(f.Value)
		if err != nil || code < 100 || code > 999 {
			return fmt.Errorf("invalid :status %q", f.Value)
		}
		m.Status = code
	default:
		return fmt.Errorf("unknown pseudo-header %s", f.Name)
	}
	return nil
}

// ToHTTP2 renders m as an HTTP/2 header block: pseudo-headers first, then
// lowercase regular headers in name order. Host feeds :authority, cookies are
// split into one field per crumb, and hop-by-hop headers are dropped together
// with any header the Connection header nominates.
func ToHTTP2(m *Message) ([]hpack.HeaderField, error) {
	fields := make([]hpack.HeaderField, 0, len(m.Header)+5)
	if m.IsRequest() {
		authority := m.Authority
		if authority == "" {
			authority = m.Header.Get("Host")
		}
		fields = append(fields, hpack.HeaderField{Name: PseudoMethod, Value: m.Method})
		if m.Method != http.MethodConnect || m.Protocol != "" {
			scheme := m.Scheme
			if scheme == "" {
				scheme = "https"
			}
			path := m.Path
			if path == "" {
				path = "/"
			}
			fields = append(fields,
				hpack.HeaderField{Name: PseudoScheme, Value: scheme},
				hpack.HeaderField{Name: PseudoAuthority, Value: authority},
				hpack.HeaderField{Name: PseudoPath, Value: path},
			)
			if m.Protocol != "" {
				fields = append(fields, hpack.HeaderField{Name: PseudoProtocol, Value: m.Protocol})
			}
		} else {
			fields = append(fields, hpack.HeaderField{Name: PseudoAuthority, Value: authority})
		}
	} else {
		fields = append(fields, hpack.HeaderField{Name: PseudoStatus, Value: strconv.Itoa(m.Status)})
	}

	regular, err := regularFields(m.Header)
	if err != nil {
		return nil, err
	}
	return append(fields, regular...), nil
}

// TrailersToHTTP2 renders trailing headers.
func TrailersToHTTP2(h http.Header) ([]hpack.HeaderField, error) {
	return regularFields(h)
}

func regularFields(h http.Header) ([]hpack.HeaderField, error) {
	nominated := make(map[string]bool)
	for _, v := range h.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if token = strings.TrimSpace(token); token != "" {
				nominated[strings.ToLower(token)] = true
			}
		}
	}

	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]hpack.HeaderField, 0, len(names))
	for _, name := range names {
		lower := strings.ToLower(name)
		if lower == "host" || hopByHop[lower] || nominated[lower] {
			continue
		}
		if !httpguts.ValidHeaderFieldName(lower) {
			return nil, fmt.Errorf("invalid header field name %q", name)
		}
		for _, v := range h[name] {
			switch lower {
			case "te":
				if !strings.EqualFold(v, "trailers") {
					return nil, ErrInvalidTE
				}
				fields = append(fields, hpack.HeaderField{Name: lower, Value: "trailers"})
			case "cookie":
				for _, crumb := range strings.Split(v, "; ") {
					if crumb != "" {
						fields = append(fields, hpack.HeaderField{Name: lower, Value: crumb})
					}
				}
			default:
				fields = append(fields, hpack.HeaderField{Name: lower, Value: v})
			}
		}
	}
	return fields, nil
}

// Field returns the first value of name in fields.
func Field(fields []hpack.HeaderField, name string) (string, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}
