package certstore

import (
	"context"
	"crypto/x509"
	"net/url"

	"github.com/ruteri/scep-provisioning-backend/interfaces"
	"github.com/ruteri/scep-provisioning-backend/query"
)

// maxQueryValueLen bounds a decoded lookup value.
const maxQueryValueLen = 1024

// QueryTable maps certificate-store query attributes to lookup types.
var QueryTable = query.NewTable(
	query.Entry{Name: "certHash", ID: int(interfaces.KeyIDCertID), Base64: true},
	query.Entry{Name: "name", ID: int(interfaces.KeyIDName)},
	query.Entry{Name: "uri", ID: int(interfaces.KeyIDURI)},
	query.Entry{Name: "email", ID: int(interfaces.KeyIDURI)},
	query.Entry{Name: "sHash", ID: int(interfaces.KeyIDSubject), Base64: true},
	query.Entry{Name: "iHash", ID: int(interfaces.KeyIDIssuer), Base64: true},
	query.Entry{Name: "iAndSHash", ID: int(interfaces.KeyIDIssuerAndSerial), Base64: true},
	query.Entry{Name: "sKIDHash", ID: int(interfaces.KeyIDSubjectKeyID), Base64: true},
)

// CertificateGetter is the part of a store a query session needs.
type CertificateGetter interface {
	GetCertificate(ctx context.Context, idType interfaces.KeyIDType, key []byte) (*x509.Certificate, error)
}

// Query answers an attribute=value certificate-store query.
func Query(ctx context.Context, store CertificateGetter, values url.Values) (*x509.Certificate, error) {
	req, err := query.FromValues(values)
	if err != nil {
		return nil, err
	}
	id, value, err := QueryTable.Resolve(req, maxQueryValueLen)
	if err != nil {
		return nil, err
	}
	return store.GetCertificate(ctx, interfaces.KeyIDType(id), value)
}
