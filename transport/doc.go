// Package transport implements the SCEP client transports: HTTP to a remote
// server, and an in-memory loopback pairing a client with a server session.
package transport
