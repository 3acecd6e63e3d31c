// Package security provides the SSRF validator used by evidence capture.
//
// # URL Validator
//
// The URL validator prevents Server-Side Request Forgery (CWE-918) when
// the server fetches user-supplied web evidence:
//
//	urlValidator := security.NewURL()
//	if err := urlValidator.Validate(rawURL); err != nil {
//	    return fmt.Errorf("SSRF attempt blocked: %w", err)
//	}
//	// Use SafeTransport for DNS-rebinding protection
//	client := &http.Client{Transport: urlValidator.SafeTransport()}
//
// Blocked targets include:
//   - Private IP ranges (127.0.0.1, 192.168.x.x, 10.x.x.x)
//   - localhost and local domain names
//   - Cloud metadata endpoints (169.254.169.254, metadata.google.internal)
//
// Validation happens twice: once against the parsed URL, and again at
// DNS resolution time inside SafeTransport, so a hostname that resolves
// to a private address after passing the first check is still refused.
//
// # Error Handling
//
// The validator intentionally both logs and returns errors. This is a
// deliberate exception to the "handle errors once" rule: security events
// require an audit trail (via logging) AND must propagate the error to
// callers so they can deny the operation.
package security
