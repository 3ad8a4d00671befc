package websocket

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/gobwas/httphead"
	"github.com/gobwas/ws/wsflate"
)

// Compression is always negotiated without context takeover in either
// direction, so every message is compressed and decompressed independently.
var deflateParameters = wsflate.DefaultParameters

// headerExtensions is the lowercase sec-websocket-extensions header name.
const headerExtensions = "sec-websocket-extensions"

// extensionOffer returns the sec-websocket-extensions value a client sends.
func extensionOffer() string {
	return formatOptions([]httphead.Option{deflateParameters.Option()})
}

// acceptExtensions checks the server's sec-websocket-extensions answer to our
// offer. It reports whether permessage-deflate was accepted.
func acceptExtensions(header string) (bool, error) {
	if header == "" {
		return false, nil
	}
	opts, ok := httphead.ParseOptions([]byte(header), nil)
	if !ok {
		return false, fmt.Errorf("%w: malformed header %q", ErrExtension, header)
	}
	accepted := false
	for _, opt := range opts {
		if !bytes.Equal(opt.Name, wsflate.ExtensionNameBytes) {
			return false, fmt.Errorf("%w: unrequested extension %s", ErrExtension, opt.Name)
		}
		if accepted {
			return false, fmt.Errorf("%w: %s accepted twice", ErrExtension, wsflate.ExtensionName)
		}
		var p wsflate.Parameters
		if err := p.Parse(opt); err != nil {
			return false, fmt.Errorf("%w: %v", ErrExtension, err)
		}
		if !p.ServerNoContextTakeover {
			return false, fmt.Errorf("%w: server context takeover not offered", ErrExtension)
		}
		if p.ClientMaxWindowBits.Defined() && p.ClientMaxWindowBits < 15 {
			return false, fmt.Errorf("%w: client window of %d bits not supported", ErrExtension, p.ClientMaxWindowBits)
		}
		accepted = true
	}
	return accepted, nil
}

// negotiateExtensions picks the server's answer to a client's
// sec-websocket-extensions offer. It returns an empty string when
// compression is declined.
func negotiateExtensions(offer string) string {
	if offer == "" {
		return ""
	}
	opts, ok := httphead.ParseOptions([]byte(offer), nil)
	if !ok {
		return ""
	}
	ext := wsflate.Extension{Parameters: deflateParameters}
	for _, opt := range opts {
		accept, err := ext.Negotiate(opt)
		if err != nil {
			continue
		}
		if len(accept.Name) != 0 {
			return formatOptions([]httphead.Option{accept})
		}
	}
	return ""
}

func formatOptions(opts []httphead.Option) string {
	var sb strings.Builder
	_, _ = httphead.WriteOptions(&sb, opts)
	return sb.String()
}
