/*
Package httpserver serves the SCEP protocol over HTTP, together with the
certificate-store query endpoint and the admin API.

Each accepted connection gets its own scep.ServerSession through the
http.Server ConnContext hook, so the side-channel request limit applies per
connection. A session that runs out of side-channel requests answers 409 and
closes the connection; the client reconnects with a fresh session.

# SCEP Endpoints

  - GET /scep?operation=GetCACaps - CA capabilities, one per line
  - GET /scep?operation=GetCACert - CA certificate or degenerate chain
  - GET /scep?operation=PKIOperation&message=... - base64 pkiMessage
  - POST /scep?operation=PKIOperation - DER pkiMessage body
  - /cgi-bin/pkiclient.exe - the same, under the path NDES clients use

# Certificate Store Endpoint

  - GET /certstore?<attribute>=<value> - certificate lookup by exactly one
    of name, email, uri, iHash, sHash, iAndSHash, sKIDHash. Hashes are
    base64 SHA-1, standard or URL-safe, padded or not.

# Admin API Endpoints

  - GET /admin/status - keystore state and share progress
  - POST /admin/share - submit a CA key share during recovery
  - POST /admin/pkiuser - register a PKI user
  - POST /admin/requests/{transaction_id}/approve - release a held request

Admin requests carry X-Admin-ID and X-Admin-Signature, see AdminMessage.

# Health Endpoints

  - GET /livez - liveness check
  - GET /readyz - readiness, 503 while draining or while the CA key is locked
  - GET /drain, GET /undrain - toggle readiness

# Example Usage

	engine, err := scep.NewServerEngine(scep.ServerConfig{Keystore: ks, Store: store, Log: logger})
	if err != nil {
		return err
	}
	admin, err := httpserver.NewAdminHandler(logger, admins, ks, store)
	if err != nil {
		return err
	}

	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               ":8080",
		MetricsAddr:              ":9090",
		Log:                      logger,
		DrainDuration:            30 * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              5 * time.Second,
		WriteTimeout:             10 * time.Second,
	}, httpserver.NewHandler(engine, ks, store, logger), admin)
	if err != nil {
		return err
	}

	srv.RunInBackground()
	defer srv.Shutdown()
*/
package httpserver
