package interfaces

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
)

// Namespace partitions the key space of a storage backend.
type Namespace int

const (
	// PKIUserNamespace holds PKI user records keyed by hex key ID
	PKIUserNamespace Namespace = iota
	// CertificateNamespace holds issued certificates keyed by hex SHA-1 fingerprint
	CertificateNamespace
	// RequestNamespace holds enrollment requests keyed by transaction ID
	RequestNamespace
	// IndexNamespace maps certificate lookup keys to fingerprints
	IndexNamespace
)

// String returns the namespace name, also used as a directory or key prefix.
func (ns Namespace) String() string {
	switch ns {
	case PKIUserNamespace:
		return "pkiusers"
	case CertificateNamespace:
		return "certs"
	case RequestNamespace:
		return "requests"
	case IndexNamespace:
		return "index"
	default:
		return "unknown"
	}
}

// Namespaces lists every namespace a backend has to provision.
var Namespaces = []Namespace{PKIUserNamespace, CertificateNamespace, RequestNamespace, IndexNamespace}

var storageKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidateStorageKey rejects keys that could escape a namespace (path
// separators, empty or oversized keys).
func ValidateStorageKey(key string) error {
	if !storageKeyPattern.MatchString(key) || key == "." || key == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidStorageKey, key)
	}
	return nil
}

// StorageBackendLocation represents URI for storage backend.
type StorageBackendLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname
	Path   string     // Resource path
	Query  url.Values // Query parameters
	Auth   string     // Authentication info
}

// NewStorageBackendLocation creates a new storage location from a URI string with validation.
func NewStorageBackendLocation(uri string) (StorageBackendLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StorageBackendLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	scheme := parsed.Scheme
	switch scheme {
	case "file", "s3", "vault", "memory":
	default:
		return StorageBackendLocation{}, fmt.Errorf("%w: unsupported storage scheme: %s", ErrInvalidLocationURI, scheme)
	}

	var auth string
	if parsed.User != nil {
		auth = parsed.User.String()
	}

	return StorageBackendLocation{
		Raw:    uri,
		Scheme: scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		Auth:   auth,
	}, nil
}

// String returns the original URI string.
func (loc StorageBackendLocation) String() string {
	return loc.Raw
}

// GetParam returns a query parameter value.
func (loc StorageBackendLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool returns a boolean query parameter value.
func (loc StorageBackendLocation) GetParamBool(name string) bool {
	value := loc.Query.Get(name)
	return value == "true" || value == "1" || value == "yes"
}

var (
	// ErrContentNotFound is returned when requested content cannot be found in the storage backend.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when a storage backend is not accessible.
	// This could be due to network issues, authentication failures, or service outages.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is malformed or unsupported.
	// URIs must follow the format: [scheme]://[auth@]host[:port][/path][?params]
	ErrInvalidLocationURI = errors.New("invalid storage location URI")

	// ErrInvalidStorageKey is returned for keys that are not safe path components.
	ErrInvalidStorageKey = errors.New("invalid storage key")
)

// StorageBackend provides key-addressed record storage.
type StorageBackend interface {
	// Fetch retrieves the record stored under key in namespace ns.
	// Returns ErrContentNotFound if there is none.
	Fetch(ctx context.Context, ns Namespace, key string) ([]byte, error)

	// Store writes data under key in namespace ns, replacing any previous record.
	Store(ctx context.Context, ns Namespace, key string, data []byte) error

	// Available checks if backend is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this backend.
	LocationURI() string
}

// StorageBackendFactory creates storage backends.
type StorageBackendFactory interface {
	// StorageBackendFor creates backend from a location.
	// Supports file://, s3://, vault://, memory://
	StorageBackendFor(location StorageBackendLocation) (StorageBackend, error)

	// CreateMultiBackend creates aggregated storage backend.
	CreateMultiBackend(locations []StorageBackendLocation) (StorageBackend, error)
}
