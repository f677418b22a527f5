/*
Package clients provides the client library for the SCEP server's admin API.

AdminClient signs every request the way the server's admin handler expects:
the URL path followed by the request body, signed with the admin's ECDSA key,
carried in the X-Admin-ID and X-Admin-Signature headers.

# AdminClient Features

  - GetStatus - Query whether the CA key is unlocked and how many shares are in
  - SubmitShare - Submit this admin's CA key share during recovery
  - AddPKIUser - Register a PKI user, returning its ID and issue password
  - ApproveRequest - Release a request held for manual approval
  - WaitForUnlock - Poll until the CA key is available

# Usage

	key, err := kms.ParseAdminPrivateKey(privPEM)
	if err != nil {
		return err
	}
	client := clients.NewAdminClient("https://ca.example.com/admin", "alice", key)

	user, err := client.AddPKIUser(httpserver.PKIUserRequest{
		CommonName: "router-17",
		DNSNames:   []string{"router-17.example.com"},
	})
	if err != nil {
		return err
	}
	fmt.Println(user.ID, user.Password)
*/
package clients
