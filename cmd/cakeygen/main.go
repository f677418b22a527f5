package main

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/ruteri/scep-provisioning-backend/cmd/flags"
	"github.com/ruteri/scep-provisioning-backend/cryptoutils"
	"github.com/ruteri/scep-provisioning-backend/kms"
	"github.com/urfave/cli/v2"
)

var genFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "cn",
		Value: "SCEP CA",
		Usage: "CA subject common name",
	},
	&cli.StringSliceFlag{
		Name:  "org",
		Usage: "CA subject organization",
	},
	&cli.StringFlag{
		Name:  "key-type",
		Value: "rsa",
		Usage: "'rsa' for a CA that also decrypts requests, 'ecdsa' for a sign-only CA",
	},
	&cli.DurationFlag{
		Name:  "validity",
		Value: 10 * 365 * 24 * time.Hour,
		Usage: "CA certificate validity",
	},
	&cli.StringFlag{
		Name:  "out-dir",
		Value: ".",
		Usage: "directory for ca-chain.pem and the key or shares",
	},
	&cli.BoolFlag{
		Name:  "split",
		Usage: "split the key between the admins in --admins-file instead of writing ca-key.pem",
	},
	flags.AdminsFileFlag,
	&cli.IntFlag{
		Name:  "shamir-threshold",
		Value: 2,
		Usage: "shares needed to rebuild the key",
	},
	flags.LogServiceFlagFn("cakeygen"),
}

func main() {
	app := &cli.App{
		Name:  "cakeygen",
		Usage: "Create a SCEP CA, optionally split between admins",
		Flags: append(genFlags, flags.LogFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)
			outDir := cCtx.String("out-dir")

			var key crypto.Signer
			var usage x509.KeyUsage
			var err error
			switch kind := cCtx.String("key-type"); kind {
			case "rsa":
				key, err = rsa.GenerateKey(rand.Reader, 3072)
				usage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
			case "ecdsa":
				key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
				usage = x509.KeyUsageDigitalSignature
			default:
				return fmt.Errorf("invalid key-type: %s", kind)
			}
			if err != nil {
				return fmt.Errorf("failed to generate CA key: %w", err)
			}

			subject := pkix.Name{CommonName: cCtx.String("cn"), Organization: cCtx.StringSlice("org")}
			cert, err := cryptoutils.NewCACertificate(key, subject, cCtx.Duration("validity"), usage)
			if err != nil {
				return err
			}
			chainPath := filepath.Join(outDir, "ca-chain.pem")
			if err := os.WriteFile(chainPath, cryptoutils.EncodeCertificatesPEM(cert), 0644); err != nil {
				return err
			}
			logger.Info("CA certificate written", "file", chainPath, "subject", cert.Subject.String(), "notAfter", cert.NotAfter)

			if !cCtx.Bool("split") {
				keyPEM, err := cryptoutils.MarshalPrivateKeyPEM(key)
				if err != nil {
					return err
				}
				defer cryptoutils.Zeroize(keyPEM)
				keyPath := filepath.Join(outDir, "ca-key.pem")
				if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
					return err
				}
				logger.Info("CA key written", "file", keyPath)
				return nil
			}

			f, err := os.Open(cCtx.String(flags.AdminsFileFlag.Name))
			if err != nil {
				return err
			}
			defer f.Close()
			admins, err := kms.LoadAdminSet(f)
			if err != nil {
				return err
			}

			config := kms.ShamirConfig{Threshold: cCtx.Int("shamir-threshold"), Admins: admins}
			shares, err := kms.SplitCAKey(key, config)
			if err != nil {
				return err
			}
			sealed, err := kms.SealShares(shares, config)
			for _, share := range shares {
				cryptoutils.Zeroize(share)
			}
			if err != nil {
				return err
			}

			for _, s := range sealed {
				data, err := json.Marshal(s)
				if err != nil {
					return err
				}
				sharePath := filepath.Join(outDir, "share-"+s.AdminID+".json")
				if err := os.WriteFile(sharePath, data, 0600); err != nil {
					return err
				}
				logger.Info("Sealed share written", "admin", s.AdminID, "file", sharePath)
			}
			logger.Info("CA key split, no copy of the key was written", "threshold", config.Threshold, "admins", admins.Len())
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
