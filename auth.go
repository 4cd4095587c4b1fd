package absnfs

import (
	"crypto/x509"
	"fmt"
)

// AuthContext carries the transport- and credential-level facts about
// the client issuing one RPC call. It is built by the TCP/UDP read
// loops and threaded through every handler.
type AuthContext struct {
	ClientIP   string             // Client IP address
	ClientPort int                // Client source port
	Credential *RPCCredential     // RPC credential as received
	AuthSys    *AuthSysCredential // Parsed AUTH_SYS credential (if applicable)
	ClientCert *x509.Certificate  // Client certificate (if TLS with client auth)
	TLSEnabled bool               // Whether this connection is using TLS
	UDP        bool               // Whether this call arrived over the UDP transport
}

// AuthResult is the outcome of the per-call RPC gate.
type AuthResult struct {
	Allowed bool   // Whether the request may proceed to a handler
	Reason  string // Reason for denial (if not allowed)
}

// ValidateAuthentication is the transport-level gate every RPC call
// passes before reaching a procedure handler. It validates the
// credential itself (flavor, AUTH_SYS structure), the privileged-port
// requirement, and whether any export admits the client at all. It
// decides nothing about identity mapping: squashing and per-path
// read-only policy live solely in the export table, resolved per
// operation by resolveAccess once the handler knows which path the
// call touches.
func ValidateAuthentication(ctx *AuthContext, exports *ExportTable, options ExportOptions) *AuthResult {
	result := &AuthResult{}

	switch ctx.Credential.Flavor {
	case AUTH_NONE:
		// Acceptable; resolveAccess will treat the caller as anonymous.

	case AUTH_SYS:
		if ctx.AuthSys == nil {
			authSys, err := ParseAuthSysCredential(ctx.Credential.Body)
			if err != nil {
				result.Reason = fmt.Sprintf("invalid AUTH_SYS credentials: %v", err)
				return result
			}
			ctx.AuthSys = authSys
		}

	default:
		result.Reason = fmt.Sprintf("unsupported authentication flavor: %d", ctx.Credential.Flavor)
		return result
	}

	if options.Secure && ctx.ClientPort >= 1024 {
		result.Reason = fmt.Sprintf("client port %d is not a privileged port (required when Secure=true)", ctx.ClientPort)
		return result
	}

	// A client no export admits is turned away before any procedure
	// runs; which specific export (and with what squash policy) is the
	// per-operation question resolveAccess answers.
	if exports != nil && !exports.AllowsClient(ctx.ClientIP) {
		result.Reason = fmt.Sprintf("no export admits client %s", ctx.ClientIP)
		return result
	}

	result.Allowed = true
	return result
}

// ExtractCertificateIdentity extracts user identity from a client certificate
// It returns the Common Name (CN) from the certificate subject
// Can be extended to support other fields or custom mappings
func ExtractCertificateIdentity(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}

	// Primary: Use Common Name (CN) from subject
	if cert.Subject.CommonName != "" {
		return cert.Subject.CommonName
	}

	// Fallback: Use first DNS name from Subject Alternative Names
	if len(cert.DNSNames) > 0 {
		return cert.DNSNames[0]
	}

	// Fallback: Use first email address
	if len(cert.EmailAddresses) > 0 {
		return cert.EmailAddresses[0]
	}

	return "unknown"
}

// GetCertificateInfo returns a human-readable string with certificate details
func GetCertificateInfo(cert *x509.Certificate) string {
	if cert == nil {
		return "no certificate"
	}

	return fmt.Sprintf("CN=%s, Issuer=%s, Serial=%s, NotAfter=%s",
		cert.Subject.CommonName,
		cert.Issuer.CommonName,
		cert.SerialNumber.String(),
		cert.NotAfter.Format("2006-01-02"))
}
