// Package client is the ERASH Go SDK.
//
// It wraps the erashd JSON API: listing devices, starting and following
// wipe operations, issuing certificates, and verifying them against the
// hash-chained ledger.
//
// # Running a wipe
//
//	c, err := client.New("http://localhost:5000")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	id, err := c.StartWipe(ctx, client.StartWipeRequest{
//	    DevicePath: "/dev/sdb",
//	    Method:     "dod-3",
//	})
//	op, err := c.FollowWipe(ctx, id, time.Second, func(l client.LogLine) {
//	    fmt.Println(l.Message)
//	})
//
// A real overwrite needs Mode "real" and Confirm set; the server refuses it
// otherwise.
//
// # Certificates
//
//	cert, err := c.GenerateCertificate(ctx, id, true)
//	fmt.Println(cert.Hash, cert.LedgerEntry.BlockIndex)
//
// # Verification
//
// Verification is read-only and needs only the certificate id or hash:
//
//	v, err := c.VerifyCertificate(ctx, "", cert.Hash)
//	if v.Valid() { ... }
//
// Errors from the server are *APIError values; match the common cases with
// errors.Is(err, client.ErrNotFound) and errors.Is(err, client.ErrConflict).
package client
