// Package storage provides key-addressed record storage with pluggable backends.
//
// The certificate store keeps its records (PKI users, enrollment requests,
// issued certificates and lookup indexes) in four namespaces of a backend:
//
//   - File system storage for single-host deployments
//   - S3-compatible storage for cloud deployments
//   - Vault KV v2 storage, authenticated by token or TLS client certificate
//   - Memory storage for tests and development
//
// # Storage URI Format
//
// Storage backends are specified using URI format:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - file:///var/lib/scep/
//   - s3://ACCESS_KEY:SECRET_KEY@bucket-name/prefix/?region=us-west-2
//   - vault://vault.example.com:8200/secret/scep?tls_cert=client.pem&tls_key=client.key
//   - memory://dev
//
// # Keys
//
// Keys are validated by interfaces.ValidateStorageKey before they reach a
// backend, so they are always safe as a path component or object name. A
// backend lays records out as <namespace>/<key>.
//
// # Multi-Backend Example
//
//	factory := storage.NewStorageBackendFactory(logger)
//	locations := []interfaces.StorageBackendLocation{fileLoc, vaultLoc}
//	backend, err := factory.CreateMultiBackend(locations)
//	if err != nil {
//	    log.Fatalf("Failed to create storage: %v", err)
//	}
//	store := certstore.New(backend, 0, logger)
package storage
