// Package main (cmd/admin) is the command-line client for the SCEP server's
// admin API.
//
// Commands:
//
//	status                  - Show whether the CA key is unlocked and share progress
//	generate-admin          - Generate an admin key pair, printing its fingerprint ID
//	generate-admins-config  - Collect admin public keys into admins.json
//	submit-share            - Open this admin's sealed share and submit it
//	wait-unlock             - Block until the CA key is unlocked
//	add-user                - Register a PKI user, printing its transaction ID and password
//	approve                 - Release a request held for manual approval
//
// Every command except status and wait-unlock signs its request with the
// admin's ECDSA key.
//
// Example workflow:
//
//  1. Each admin generates a key pair:
//     admin generate-admin --admin-privkey-file=alice.pem --admin-pubkey-file=alice.pub
//
//  2. The public keys are collected:
//     admin generate-admins-config --admin-pubkey-files=alice.pub,bob.pub,carol.pub
//
//  3. The CA is created and split 2-of-3:
//     cakeygen --split --admins-file=admins.json --shamir-threshold=2
//
//  4. The server starts locked:
//     httpserver --keystore=shamir --admins-file=admins.json --ca-chain-file=ca-chain.pem
//
//  5. Two admins submit their shares:
//     admin submit-share --share-file=share-<id>.json --admin-privkey-file=alice.pem --admin-pubkey-file=alice.pub
//
//  6. Devices are registered:
//     admin add-user --cn=router-17 --dns=router-17.example.com ...
package main
