// Package client is the VaultLedger Go SDK.
//
// # Recording a verdict
//
//	c, err := client.New("http://localhost:8080", client.WithBearerToken(token))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	out, err := c.Append(ctx, "compliance", client.AppendRequest{
//	    SessionID: "sess-42",
//	    Verdict:   "SEAL",
//	    Payload:   client.Document{},
//	})
//
// A 409 (write lock busy) is retried with exponential backoff; tune it with
// WithRetry. When the server cannot commit durably, Append returns a
// *FailClosedError whose Verdict is VOID for a requested SEAL:
//
//	var fc *client.FailClosedError
//	if errors.As(err, &fc) {
//	    log.Printf("recorded as %s on %s path", fc.Verdict, fc.Path)
//	}
//
// # Checking an entry independently
//
// Proofs are verified locally, so a reader does not have to trust the server:
//
//	e, _ := c.GetEntry(ctx, "compliance", 7)
//	p, _ := c.Proof(ctx, "compliance", 7)
//	ok := client.VerifyProof(e, p)
//
// # Admission
//
// Admit scores a (query, response, context) triple and routes it to the
// memory ledger (SEAL), the cooling tier (SABAR) or nowhere (TRANSIENT).
// Held items can be listed with Cooling and re-scored with Reconsider.
package client
