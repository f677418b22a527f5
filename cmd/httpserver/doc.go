// Package main (cmd/httpserver) runs the SCEP server.
//
// The server answers SCEP on /scep and /cgi-bin/pkiclient.exe, certificate
// lookups on /certstore, and, when admins are configured, the signed admin
// API under /admin. Certificates, requests and PKI users go to the storage
// locations given with --storage; several locations are written together
// and read in order.
//
// The CA key comes from one of three keystores:
//
//   - file: PEM key and chain read at startup
//
//   - shamir: only the chain is read; the key is split between the admins
//     in --admins-file and the server stays locked until a threshold of
//     them submit their shares. GetCACaps and GetCACert work while locked,
//     PKIOperation answers 503.
//
//   - dev: a throwaway in-memory CA for local testing
//
// The server implements graceful shutdown on receiving termination signals (SIGINT/SIGTERM)
// and supports health checks, metrics collection, and optional profiling endpoints.
//
// Example usage with a file keystore:
//
//	httpserver --listen-addr=0.0.0.0:8080 \
//	    --storage=file:///var/lib/scep \
//	    --ca-key-file=ca-key.pem --ca-chain-file=ca-chain.pem
//
// Example usage with a split CA key and redundant storage:
//
//	httpserver --listen-addr=0.0.0.0:8080 \
//	    --keystore=shamir --shamir-threshold=2 \
//	    --admins-file=admins.json --ca-chain-file=ca-chain.pem \
//	    --storage=file:///var/lib/scep \
//	    --storage='s3://scep-backup/ca/?region=eu-west-1'
package main
