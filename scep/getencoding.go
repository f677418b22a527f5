package scep

import (
	"encoding/base64"
	"strings"

	"github.com/ruteri/scep-provisioning-backend/interfaces"
)

// EncodePostAsGet turns a PKIOperation body into the message query value of
// a GET request: base64 without padding, padded back out with '=', then '/',
// '+' and '=' percent-escaped. The result never contains those three bytes
// unescaped, so it survives servers that don't decode queries properly.
func EncodePostAsGet(body []byte) []byte {
	// Base64 pass
	encodedLen := base64.RawStdEncoding.EncodedLen(len(body))
	paddedLen := base64.StdEncoding.EncodedLen(len(body))
	encoded := make([]byte, encodedLen, paddedLen)
	base64.RawStdEncoding.Encode(encoded, body)

	// Padding pass
	for len(encoded) < paddedLen {
		encoded = append(encoded, '=')
	}

	// Escape pass
	out := make([]byte, 0, paddedLen+paddedLen/4)
	for _, c := range encoded {
		switch c {
		case '/':
			out = append(out, "%2F"...)
		case '+':
			out = append(out, "%2B"...)
		case '=':
			out = append(out, "%3D"...)
		default:
			out = append(out, c)
		}
	}
	return out
}

// DecodePostAsGet reverses EncodePostAsGet. It also accepts a value that has
// already been unescaped by the HTTP layer, and URL-safe base64.
func DecodePostAsGet(message []byte) ([]byte, error) {
	s := string(message)
	if strings.Contains(s, "%") {
		r := strings.NewReplacer("%2F", "/", "%2f", "/", "%2B", "+", "%2b", "+", "%3D", "=", "%3d", "=")
		s = r.Replace(s)
	}
	// A query parser turns an unescaped '+' into a space.
	s = strings.ReplaceAll(s, " ", "+")
	s = strings.TrimRight(s, "=")

	enc := base64.RawStdEncoding
	if strings.ContainsAny(s, "-_") {
		enc = base64.RawURLEncoding
	}
	out, err := enc.DecodeString(s)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.KindBadData, err, "Invalid base64-encoded PKIOperation message")
	}
	if len(out) == 0 {
		return nil, interfaces.NewError(interfaces.KindUnderflow, "Empty PKIOperation message")
	}
	return out, nil
}
