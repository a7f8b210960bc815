/*
Package security seals git provider credentials and mints the random
tokens the webhook surface hands out.

# Encryption at rest

GitHub App private keys, GitLab client secrets, refresh tokens and
per-app webhook secrets never reach the store in the clear. The
SecretsManager seals them with AES-256-GCM under one installation-wide
key, 32 bytes supplied as 64 hex characters in the configuration
(secrets.encryption_key / ZANE_ENCRYPTION_KEY). Each value gets a fresh
nonce, prepended to the ciphertext; string values travel base64-encoded
through the JSON store records.

Losing the key orphans every stored git app: there is no rewrap path,
the apps must be registered again.

# Tokens

GenerateDeployToken and GenerateWebhookSecret return 32 bytes of
entropy, hex encoded. Deploy tokens authorize PUT /webhook/deploy/{token}
for one service and persist until regenerated; webhook secrets are the
shared secrets registered with the git provider to sign deliveries.
*/
package security
