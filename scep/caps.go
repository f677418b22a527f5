package scep

import (
	"bytes"
	"strings"

	"github.com/ruteri/scep-provisioning-backend/interfaces"
)

const (
	MaxCapabilityLines   = 64
	MaxCapabilityLineLen = 512
)

// Capability tokens exchanged through GetCACaps.
const (
	CapAES              = "AES"
	CapDES3             = "DES3"
	CapGetNextCACert    = "GetNextCACert"
	CapPOSTPKIOperation = "POSTPKIOperation"
	CapRenewal          = "Renewal"
	CapSCEPStandard     = "SCEPStandard"
	CapSHA1             = "SHA-1"
	CapSHA256           = "SHA-256"
	CapSHA512           = "SHA-512"
)

// ServerCapabilities is what this server advertises.
var ServerCapabilities = []string{CapAES, CapPOSTPKIOperation, CapRenewal, CapSCEPStandard, CapSHA1, CapSHA256}

// Capabilities is a parsed GetCACaps reply.
type Capabilities struct {
	tokens map[string]struct{}
	lines  []string
}

// ParseCapabilities validates and splits a GetCACaps body. Lines are
// separated by LF or CRLF; blank lines are skipped.
func ParseCapabilities(body []byte) (*Capabilities, error) {
	caps := &Capabilities{tokens: make(map[string]struct{})}
	body = bytes.ReplaceAll(body, []byte("\r\n"), []byte("\n"))
	for _, line := range bytes.Split(body, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		if len(caps.lines) >= MaxCapabilityLines {
			return nil, interfaces.NewError(interfaces.KindBadData, "GetCACaps response has more than %d lines", MaxCapabilityLines)
		}
		if len(line) > MaxCapabilityLineLen {
			return nil, interfaces.NewError(interfaces.KindBadData, "GetCACaps line %d exceeds %d characters", len(caps.lines)+1, MaxCapabilityLineLen)
		}
		for _, c := range line {
			if c < 0x20 || c > 0x7e {
				return nil, interfaces.NewError(interfaces.KindBadData, "GetCACaps line %d contains invalid characters", len(caps.lines)+1)
			}
		}
		token := strings.TrimSpace(string(line))
		caps.lines = append(caps.lines, token)
		caps.tokens[strings.ToUpper(token)] = struct{}{}
	}
	return caps, nil
}

// Has reports whether the server advertised token, ignoring case.
func (c *Capabilities) Has(token string) bool {
	if c == nil {
		return false
	}
	_, ok := c.tokens[strings.ToUpper(token)]
	return ok
}

// Lines returns the capability lines in server order.
func (c *Capabilities) Lines() []string {
	if c == nil {
		return nil
	}
	return c.lines
}

// BuildCapabilities renders tokens as a GetCACaps body.
func BuildCapabilities(tokens []string) []byte {
	var buf bytes.Buffer
	for _, token := range tokens {
		buf.WriteString(token)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
