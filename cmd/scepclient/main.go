package main

import (
	"context"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/scep-provisioning-backend/cmd/flags"
	"github.com/ruteri/scep-provisioning-backend/cryptoutils"
	"github.com/ruteri/scep-provisioning-backend/discovery"
	"github.com/ruteri/scep-provisioning-backend/interfaces"
	"github.com/ruteri/scep-provisioning-backend/scep"
	"github.com/ruteri/scep-provisioning-backend/transport"
	"github.com/urfave/cli/v2"
)

var clientFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "url",
		Usage: "SCEP endpoint, e.g. http://ca.example.com/scep; discovered through DNS SRV when empty",
	},
	&cli.StringFlag{
		Name:  "srv-domain",
		Usage: "domain whose _scep._tcp SRV records publish the server",
	},
	&cli.StringFlag{
		Name:  "nameserver",
		Usage: "DNS server host:port for SRV discovery; defaults to resolv.conf",
	},
	&cli.StringFlag{
		Name:     "transaction-id",
		Required: true,
		Usage:    "transaction ID, the PKI user ID handed out by the CA admin",
	},
	&cli.StringFlag{
		Name:    "password",
		EnvVars: []string{"SCEP_PASSWORD"},
		Usage:   "issue password of the PKI user",
	},
	&cli.StringFlag{
		Name:  "cn",
		Usage: "subject common name",
	},
	&cli.StringSliceFlag{
		Name:  "dns",
		Usage: "DNS subject alternative name; repeatable",
	},
	&cli.StringSliceFlag{
		Name:  "email",
		Usage: "email subject alternative name; repeatable",
	},
	&cli.StringFlag{
		Name:  "key-file",
		Usage: "PEM private key to certify; an RSA key is generated when empty",
	},
	&cli.StringFlag{
		Name:  "renew-cert-file",
		Usage: "PEM certificate to renew, signed with --renew-key-file",
	},
	&cli.StringFlag{
		Name:  "renew-key-file",
		Usage: "PEM key of the certificate being renewed",
	},
	&cli.StringFlag{
		Name:  "out-key",
		Value: "device-key.pem",
		Usage: "where to write the private key",
	},
	&cli.StringFlag{
		Name:  "out-cert",
		Value: "device-cert.pem",
		Usage: "where to write the certificate followed by its chain",
	},
	&cli.DurationFlag{
		Name:  "poll-interval",
		Value: 30 * time.Second,
		Usage: "wait between polls while the request is pending",
	},
	&cli.IntFlag{
		Name:  "max-polls",
		Value: 20,
		Usage: "give up after this many pending replies",
	},
	flags.LogServiceFlagFn("scep-client"),
}

func main() {
	app := &cli.App{
		Name:  "scep-client",
		Usage: "Enroll for a certificate over SCEP",
		Flags: append(clientFlags, flags.LogFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			req, err := enrollmentRequest(cCtx)
			if err != nil {
				return err
			}

			pnp := &scep.PnPClient{
				URL: cCtx.String("url"),
				NewTransport: func(serverURL string) (interfaces.ClientTransport, error) {
					return transport.NewHTTPTransport(serverURL, nil, logger)
				},
				Log: logger,
			}
			if domain := cCtx.String("srv-domain"); domain != "" {
				pnp.Locator = &discovery.SRVLocator{Domain: domain, Nameserver: cCtx.String("nameserver"), Log: logger}
			}
			session := &scep.Session{Role: scep.RoleClient, PnP: pnp, Request: req}

			tx, err := scep.NewTransaction([]byte(cCtx.String("transaction-id")))
			if err != nil {
				return err
			}
			defer tx.Clear()

			result, err := transact(ctx, logger, session, tx, cCtx.Duration("poll-interval"), cCtx.Int("max-polls"))
			if err != nil {
				logger.Error("Enrollment failed", "err", err, "kind", interfaces.KindOf(err).String())
				return err
			}

			keyPEM, err := cryptoutils.MarshalPrivateKeyPEM(session.Request.Key)
			if err != nil {
				return err
			}
			defer cryptoutils.Zeroize(keyPEM)
			if err := os.WriteFile(cCtx.String("out-key"), keyPEM, 0600); err != nil {
				return err
			}
			if err := os.WriteFile(cCtx.String("out-cert"), cryptoutils.EncodeCertificatesPEM(leafFirst(result)...), 0644); err != nil {
				return err
			}

			logger.Info("Certificate issued",
				"subject", result.Certificate.Subject.String(),
				"serial", result.Certificate.SerialNumber.String(),
				"notAfter", result.Certificate.NotAfter,
				"cert", cCtx.String("out-cert"))
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// transact re-runs the session while the CA holds the request.
func transact(ctx context.Context, logger *slog.Logger, session *scep.Session, tx *scep.TransactionState, interval time.Duration, maxPolls int) (*scep.EnrollmentResult, error) {
	for polls := 0; ; polls++ {
		result, err := session.Transact(ctx, tx)
		if !errors.Is(err, interfaces.ErrPending) {
			return result, err
		}
		if polls >= maxPolls {
			return nil, fmt.Errorf("request still pending after %d polls", polls)
		}
		logger.Info("Request pending, polling later", "interval", interval, "poll", polls+1)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// leafFirst orders the returned chain with the issued certificate on top.
func leafFirst(result *scep.EnrollmentResult) []*x509.Certificate {
	certs := []*x509.Certificate{result.Certificate}
	for _, cert := range result.Chain {
		if !cert.Equal(result.Certificate) {
			certs = append(certs, cert)
		}
	}
	return certs
}

func enrollmentRequest(cCtx *cli.Context) (scep.EnrollmentRequest, error) {
	req := scep.EnrollmentRequest{
		Template: &x509.CertificateRequest{
			Subject:        pkix.Name{CommonName: cCtx.String("cn")},
			DNSNames:       cCtx.StringSlice("dns"),
			EmailAddresses: cCtx.StringSlice("email"),
		},
	}
	if password := cCtx.String("password"); password != "" {
		req.Password = []byte(password)
	}

	if path := cCtx.String("key-file"); path != "" {
		key, err := readKey(path)
		if err != nil {
			return req, err
		}
		req.Key = key
	}

	if certPath := cCtx.String("renew-cert-file"); certPath != "" {
		certPEM, err := os.ReadFile(certPath)
		if err != nil {
			return req, err
		}
		certs, err := cryptoutils.ParseCertificatesPEM(certPEM)
		if err != nil {
			return req, err
		}
		key, err := readKey(cCtx.String("renew-key-file"))
		if err != nil {
			return req, err
		}
		existing := &cryptoutils.KeyMaterial{Key: key, Certificate: certs[0]}
		if err := existing.Validate(); err != nil {
			return req, fmt.Errorf("renewal key does not match certificate: %w", err)
		}
		req.Existing = existing
	}
	return req, nil
}

func readKey(path string) (crypto.Signer, error) {
	keyPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Zeroize(keyPEM)
	return cryptoutils.ParsePrivateKeyPEM(keyPEM)
}
