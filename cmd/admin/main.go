package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ruteri/scep-provisioning-backend/api/clients"
	"github.com/ruteri/scep-provisioning-backend/cmd/flags"
	"github.com/ruteri/scep-provisioning-backend/httpserver"
	"github.com/ruteri/scep-provisioning-backend/kms"
	"github.com/urfave/cli/v2"
)

var flagShareFile *cli.StringFlag = &cli.StringFlag{
	Name:  "share-file",
	Value: "share.json",
	Usage: "sealed share written by cakeygen",
}

var authFlags = []cli.Flag{
	flags.AdminURLFlag,
	flags.AdminIDFlag,
	flags.AdminPrivkeyFlag,
	flags.AdminPubkeyFlag,
}

// adminClient builds a client authenticated as the admin whose key files
// are named by the flags.
func adminClient(cCtx *cli.Context) (*clients.AdminClient, []byte, error) {
	privateKeyPEM, err := os.ReadFile(cCtx.String(flags.AdminPrivkeyFlag.Name))
	if err != nil {
		return nil, nil, err
	}
	privateKey, err := kms.ParseAdminPrivateKey(privateKeyPEM)
	if err != nil {
		return nil, nil, err
	}

	adminID := cCtx.String(flags.AdminIDFlag.Name)
	if adminID == "" {
		publicKeyPEM, err := os.ReadFile(cCtx.String(flags.AdminPubkeyFlag.Name))
		if err != nil {
			return nil, nil, err
		}
		adminID = kms.ComputeFingerprint(publicKeyPEM)
	}
	return clients.NewAdminClient(cCtx.String(flags.AdminURLFlag.Name), adminID, privateKey), privateKeyPEM, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func main() {
	app := &cli.App{
		Name:           "scep-admin",
		Usage:          "Administer a SCEP server: CA key recovery, PKI users and approvals",
		DefaultCommand: "status",
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "show whether the CA key is unlocked",
				Flags: []cli.Flag{flags.AdminURLFlag},
				Action: func(cCtx *cli.Context) error {
					status, err := clients.NewAdminClient(cCtx.String(flags.AdminURLFlag.Name), "", nil).GetStatus()
					if err != nil {
						return err
					}
					return printJSON(status)
				},
			},
			{
				Name:  "generate-admin",
				Usage: "create an admin key pair",
				Flags: []cli.Flag{flags.AdminPrivkeyFlag, flags.AdminPubkeyFlag},
				Action: func(cCtx *cli.Context) error {
					privateKeyPEM, publicKeyPEM, err := kms.GenerateAdminKeyPair()
					if err != nil {
						return err
					}
					if err := os.WriteFile(cCtx.String(flags.AdminPrivkeyFlag.Name), privateKeyPEM, 0600); err != nil {
						return err
					}
					if err := os.WriteFile(cCtx.String(flags.AdminPubkeyFlag.Name), publicKeyPEM, 0644); err != nil {
						return err
					}
					fmt.Println(kms.ComputeFingerprint(publicKeyPEM))
					return nil
				},
			},
			{
				Name:  "generate-admins-config",
				Usage: "collect admin public keys into the admins file",
				Flags: []cli.Flag{
					flags.AdminsFileFlag,
					&cli.StringSliceFlag{
						Name:     "admin-pubkey-files",
						Required: true,
					},
				},
				Action: func(cCtx *cli.Context) error {
					config := kms.AdminsConfig{}
					for _, pubkey := range cCtx.StringSlice("admin-pubkey-files") {
						publicKeyPEM, err := os.ReadFile(pubkey)
						if err != nil {
							return err
						}
						config.Admins = append(config.Admins, kms.AdminMetadata{
							ID:     kms.ComputeFingerprint(publicKeyPEM),
							PubKey: string(publicKeyPEM),
						})
					}

					// Round-trip through the loader so a bad key fails here.
					configBytes, err := json.MarshalIndent(config, "", "  ")
					if err != nil {
						return err
					}
					if _, err := kms.LoadAdminSet(bytes.NewReader(configBytes)); err != nil {
						return err
					}
					return os.WriteFile(cCtx.String(flags.AdminsFileFlag.Name), configBytes, 0644)
				},
			},
			{
				Name:  "submit-share",
				Usage: "open this admin's sealed share and submit it",
				Flags: append([]cli.Flag{flagShareFile}, authFlags...),
				Action: func(cCtx *cli.Context) error {
					client, privateKeyPEM, err := adminClient(cCtx)
					if err != nil {
						return err
					}

					data, err := os.ReadFile(cCtx.String(flagShareFile.Name))
					if err != nil {
						return err
					}
					var sealed kms.SealedShare
					if err := json.Unmarshal(data, &sealed); err != nil {
						return err
					}
					share, err := sealed.Open(privateKeyPEM)
					if err != nil {
						return err
					}
					if err := client.SubmitShare(share); err != nil {
						return err
					}

					status, err := client.GetStatus()
					if err != nil {
						return err
					}
					return printJSON(status)
				},
			},
			{
				Name:  "wait-unlock",
				Usage: "wait until the CA key is unlocked",
				Flags: []cli.Flag{
					flags.AdminURLFlag,
					&cli.DurationFlag{Name: "timeout", Value: 10 * time.Minute},
				},
				Action: func(cCtx *cli.Context) error {
					client := clients.NewAdminClient(cCtx.String(flags.AdminURLFlag.Name), "", nil)
					return client.WaitForUnlock(cCtx.Duration("timeout"), 2*time.Second)
				},
			},
			{
				Name:  "add-user",
				Usage: "register a PKI user and print its transaction ID and password",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "cn"},
					&cli.StringFlag{Name: "serial-number"},
					&cli.StringSliceFlag{Name: "org"},
					&cli.StringSliceFlag{Name: "ou"},
					&cli.StringSliceFlag{Name: "country"},
					&cli.StringSliceFlag{Name: "locality"},
					&cli.StringSliceFlag{Name: "province"},
					&cli.StringSliceFlag{Name: "dns"},
					&cli.StringSliceFlag{Name: "email"},
					&cli.BoolFlag{Name: "manual-approval", Usage: "hold requests until approved"},
				}, authFlags...),
				Action: func(cCtx *cli.Context) error {
					client, _, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					user, err := client.AddPKIUser(httpserver.PKIUserRequest{
						CommonName:         cCtx.String("cn"),
						SerialNumber:       cCtx.String("serial-number"),
						Organization:       cCtx.StringSlice("org"),
						OrganizationalUnit: cCtx.StringSlice("ou"),
						Country:            cCtx.StringSlice("country"),
						Locality:           cCtx.StringSlice("locality"),
						Province:           cCtx.StringSlice("province"),
						DNSNames:           cCtx.StringSlice("dns"),
						EmailAddresses:     cCtx.StringSlice("email"),
						ManualApproval:     cCtx.Bool("manual-approval"),
					})
					if err != nil {
						return err
					}
					return printJSON(user)
				},
			},
			{
				Name:      "approve",
				Usage:     "release a request held for manual approval",
				ArgsUsage: "<transaction-id>",
				Flags:     authFlags,
				Action: func(cCtx *cli.Context) error {
					if cCtx.NArg() != 1 {
						return fmt.Errorf("expected one transaction ID")
					}
					client, _, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					return client.ApproveRequest(cCtx.Args().First())
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
