// Package interfaces defines the contracts between the SCEP engine and its
// collaborators, separating interface definitions from implementations.
//
// # Storage Interfaces
//
// StorageBackend: key-addressed record storage split into namespaces (PKI
// users, certificates, requests, lookup indexes) across file, S3, Vault and
// in-memory backends.
//
// StorageBackendFactory: creates storage backends from location URIs and
// aggregates several into one redundant backend.
//
// # Certificate Store
//
// CertStore: PKI-user lookup by key ID, certificate lookup by any of the
// KeyIDType indexes, request bookkeeping and issuance.
//
// CAKeystore: hands out the CA signing identity once it is unlocked.
//
// # Transport
//
// ClientTransport and ServerConn: the byte-buffer-with-metadata view of HTTP
// the engine works against, plus PeerType for server fingerprinting.
//
// # Errors
//
// Error and ErrorKind form the failure taxonomy shared by the engine, the
// store and the HTTP layer. Every Error message is sanitized on
// construction and safe to display.
package interfaces
