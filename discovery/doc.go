// Package discovery locates SCEP servers for plug-and-play enrollment.
//
// A server is published as a DNS SRV record under the client's domain:
//
//	_scep._tcp.example.com. 3600 IN SRV 10 50 8080 ca.example.com.
//
// SRVLocator implements scep.ServerLocator. Records are preferred by lowest
// priority, then highest weight; the located URL is
// http://<target>:<port>/scep, or https when the port is 443.
package discovery
