package types

import (
	"strings"

	"github.com/google/uuid"
)

// ID prefixes. Every entity id is "<prefix>_<12 hex chars>".
const (
	PrefixProject     = "prj"
	PrefixEnvironment = "env"
	PrefixService     = "srv"
	PrefixDeployment  = "dpl"
	PrefixChange      = "chg"
	PrefixVolume      = "vol"
	PrefixConfig      = "cfg"
	PrefixURL         = "url"
	PrefixPort        = "prt"
	PrefixEnvVar      = "var"
	PrefixGitApp      = "gap"
	PrefixTemplate    = "ptp"
)

// NewID returns a prefixed random identifier.
func NewID(prefix string) string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return prefix + "_" + raw[:12]
}

// UnprefixedID strips the entity prefix, returning the random part.
// Used where ids appear inside runtime resource names.
func UnprefixedID(id string) string {
	if i := strings.IndexByte(id, '_'); i >= 0 {
		return id[i+1:]
	}
	return id
}

const hashAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewDeploymentHash returns the short lowercase identifier that names a
// deployment in URLs, runtime service names and workflow ids.
func NewDeploymentHash() string {
	u := uuid.New()
	b := make([]byte, 11)
	for i := range b {
		b[i] = hashAlphabet[int(u[i])%len(hashAlphabet)]
	}
	return string(b)
}
