package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
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

	"github.com/ruteri/scep-provisioning-backend/certstore"
	"github.com/ruteri/scep-provisioning-backend/cmd/flags"
	"github.com/ruteri/scep-provisioning-backend/cryptoutils"
	"github.com/ruteri/scep-provisioning-backend/httpserver"
	"github.com/ruteri/scep-provisioning-backend/interfaces"
	"github.com/ruteri/scep-provisioning-backend/kms"
	"github.com/ruteri/scep-provisioning-backend/scep"
	"github.com/ruteri/scep-provisioning-backend/storage"
	"github.com/urfave/cli/v2"
)

var serverFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for SCEP and the admin API",
	},
	&cli.StringSliceFlag{
		Name:  "storage",
		Value: cli.NewStringSlice("memory://scep"),
		Usage: "certificate store location URI (file://, s3://, vault://, memory://); repeat for redundancy",
	},
	&cli.DurationFlag{
		Name:  "validity",
		Value: certstore.DefaultValidity,
		Usage: "validity of issued certificates",
	},
	&cli.DurationFlag{
		Name:  "error-delay",
		Value: 0,
		Usage: "upper bound of the random delay added before failure replies",
	},
	&cli.StringFlag{
		Name:  "keystore",
		Value: "file",
		Usage: "CA keystore: 'file', 'shamir' or 'dev' (throwaway in-memory CA)",
	},
	&cli.StringFlag{
		Name:  "ca-key-file",
		Value: "ca-key.pem",
		Usage: "PEM CA private key (keystore=file)",
	},
	&cli.StringFlag{
		Name:  "ca-chain-file",
		Value: "ca-chain.pem",
		Usage: "PEM CA certificate chain, CA certificate first",
	},
	flags.AdminsFileFlag,
	&cli.IntFlag{
		Name:  "shamir-threshold",
		Value: 2,
		Usage: "number of admin shares needed to unlock the CA key (keystore=shamir)",
	},
	&cli.DurationFlag{
		Name:  "unlock-timeout",
		Value: 0,
		Usage: "give up if the CA key is not unlocked in time; 0 waits forever",
	},
	flags.LogServiceFlagFn("scep-server"),
}

func main() {
	app := &cli.App{
		Name:  "scep-server",
		Usage: "Serve SCEP enrollment, the certificate store and the admin API",
		Flags: append(serverFlags, flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			keystore, err := setupKeystore(cCtx, logger)
			if err != nil {
				logger.Error("Failed to set up CA keystore", "err", err)
				return err
			}

			storageFactory := storage.NewStorageBackendFactory(logger)
			locations := make([]interfaces.StorageBackendLocation, 0)
			for _, uri := range cCtx.StringSlice("storage") {
				location, err := interfaces.NewStorageBackendLocation(uri)
				if err != nil {
					logger.Error("Invalid storage location", "uri", uri, "err", err)
					return err
				}
				locations = append(locations, location)
			}
			backend, err := storageFactory.CreateMultiBackend(locations)
			if err != nil {
				logger.Error("Failed to create storage backend", "err", err)
				return err
			}
			logger.Info("Certificate store ready", "location", backend.LocationURI())

			store := certstore.New(backend, cCtx.Duration("validity"), logger)
			engine, err := scep.NewServerEngine(scep.ServerConfig{
				Keystore:   keystore,
				Store:      store,
				Log:        logger,
				ErrorDelay: cCtx.Duration("error-delay"),
			})
			if err != nil {
				return err
			}

			admin, err := setupAdmin(cCtx, logger, keystore, store)
			if err != nil {
				logger.Error("Failed to set up admin API", "err", err)
				return err
			}

			cfg := flags.ConfigureServer(cCtx, logger, cCtx.String("listen-addr"))
			server, err := httpserver.New(cfg, httpserver.NewHandler(engine, keystore, store, logger), admin)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			logger.Info("Starting server", "listenAddr", cfg.ListenAddr)
			server.RunInBackground()

			if !keystore.IsUnlocked() {
				if err := waitForUnlock(cCtx, logger, admin); err != nil {
					server.Shutdown()
					return err
				}
			}

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func setupKeystore(cCtx *cli.Context, logger *slog.Logger) (interfaces.CAKeystore, error) {
	switch kind := cCtx.String("keystore"); kind {
	case "file":
		logger.Info("Loading CA key", "key", cCtx.String("ca-key-file"), "chain", cCtx.String("ca-chain-file"))
		return kms.LoadFileKeystore(cCtx.String("ca-key-file"), cCtx.String("ca-chain-file"))

	case "shamir":
		chainPEM, err := os.ReadFile(cCtx.String("ca-chain-file"))
		if err != nil {
			return nil, fmt.Errorf("failed to read CA chain: %w", err)
		}
		chain, err := cryptoutils.ParseCertificatesPEM(chainPEM)
		if err != nil {
			return nil, err
		}
		admins, err := loadAdmins(cCtx.String(flags.AdminsFileFlag.Name))
		if err != nil {
			return nil, err
		}
		logger.Info("CA key is split between admins, starting locked",
			"threshold", cCtx.Int("shamir-threshold"), "admins", admins.IDs())
		return kms.NewShamirKeystore(chain, kms.ShamirConfig{Threshold: cCtx.Int("shamir-threshold"), Admins: admins})

	case "dev":
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, err
		}
		cert, err := cryptoutils.NewCACertificate(key, pkix.Name{CommonName: "SCEP Development CA"}, 24*time.Hour, x509.KeyUsageDigitalSignature)
		if err != nil {
			return nil, err
		}
		logger.Warn("Using a throwaway in-memory CA, do not use in production")
		return kms.NewStaticKeystore(&cryptoutils.KeyMaterial{Key: key, Certificate: cert}, nil)

	default:
		return nil, fmt.Errorf("invalid keystore: %s", kind)
	}
}

// setupAdmin enables the admin API when an admins file exists or the
// keystore needs recovery.
func setupAdmin(cCtx *cli.Context, logger *slog.Logger, keystore interfaces.CAKeystore, store *certstore.Store) (*httpserver.AdminHandler, error) {
	if _, ok := keystore.(*kms.ShamirKeystore); ok {
		return httpserver.NewAdminHandler(logger, nil, keystore, store)
	}

	path := cCtx.String(flags.AdminsFileFlag.Name)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Info("No admins file, admin API disabled", "file", path)
		return nil, nil
	}
	admins, err := loadAdmins(path)
	if err != nil {
		return nil, err
	}
	return httpserver.NewAdminHandler(logger, admins, keystore, store)
}

func loadAdmins(path string) (*kms.AdminSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open admins file: %w", err)
	}
	defer f.Close()
	return kms.LoadAdminSet(f)
}

func waitForUnlock(cCtx *cli.Context, logger *slog.Logger, admin *httpserver.AdminHandler) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if timeout := cCtx.Duration("unlock-timeout"); timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logger.Info("Waiting for admins to unlock the CA key")
	if err := admin.WaitForUnlock(ctx); err != nil {
		logger.Error("CA key was not unlocked", "err", err)
		return err
	}
	logger.Info("CA key unlocked, PKIOperation enabled")
	return nil
}
