// Package gitapp turns stored git provider credentials into the
// short-lived tokens that clone private repositories and verify
// webhook deliveries.
//
//	                 ┌───────────────┐
//	 Token(appID) ──▶│    Service    │──▶ cache hit? ── token
//	                 └───────┬───────┘
//	                         │ miss
//	          ┌──────────────┴──────────────┐
//	          ▼                             ▼
//	   GitHub App JWT                GitLab OAuth refresh
//	   (RS256, exp 9m)               (rotates refresh token,
//	   ▼                              rotated token persisted
//	   POST /app/installations/       encrypted before use)
//	        {id}/access_tokens
//
// Exchanged tokens are cached one minute short of their server-side
// expiry (59m GitHub, 1h59m GitLab), so a cached token is never
// already expired when handed to a clone.
//
// All secret material (private keys, app secrets, refresh tokens,
// webhook secrets) lives AES-256-GCM encrypted in the store and is
// decrypted only inside this package.
package gitapp
