// Package auth provides credential validation for tunnels2bots.
//
// # Credentials
//
// Two credential shapes are accepted, both derived from the server secret:
//
//   - Signed API keys: prefix_<userId>_<hexSignature>, where the signature is
//     the truncated hex HMAC-SHA256 of the user id. Keys are compared in
//     constant time and never expire; rotate the secret to revoke them.
//
//   - Tokens: HS256 JWTs carrying a userId claim (sub is accepted as a
//     fallback) and a mandatory exp claim.
//
// Validate fails closed: every parse error, signature mismatch or expiry
// collapses into ErrInvalidCredential so callers cannot tell which check
// failed.
//
//	v, err := auth.NewValidator(auth.ValidatorConfig{Secret: secret})
//	key, _ := v.IssueKey("alice")
//	id, err := v.Validate(key) // id.UserID == "alice"
//
// # HTTP
//
// HTTPAuthMiddleware validates bearer credentials for the bot API and stores
// an AuthContext in the request context. AdminGate checks the administrator
// token against a bcrypt hash from configuration.
package auth
