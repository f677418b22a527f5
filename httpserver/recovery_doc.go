/*
# CA Key Recovery

A server started with a Shamir keystore answers GetCACaps and GetCACert from
the public CA chain but refuses PKIOperation with 503 until the CA key is
rebuilt. Recovery runs over the admin API:

 1. Each admin holds one share, produced offline by cakeygen and sealed to
    the admin's public key
 2. The admin unseals the share and POSTs it to /admin/share, signed twice:
    the share itself (kms.SignShare) and the request (AdminMessage)
 3. The keystore rejects unknown admins, repeated admins and repeated share
    indexes with 409
 4. Once the threshold is met the key is combined in memory and checked
    against the CA certificate; a mismatch discards every share
 5. Submitted shares are zeroed after the attempt; the key is never written

Share signatures and request signatures are ECDSA over SHA-256 (ASN.1), or
Ed25519 for admins registered with Ed25519 keys.

AdminHandler.WaitForUnlock lets the binary log the moment the CA becomes
usable; /readyz turns ready at the same time.
*/
package httpserver
