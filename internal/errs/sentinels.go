// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service/session layers.
var (
	// ErrValidation indicates malformed device input (bad IP, bad shape).
	ErrValidation = errors.New("validation")

	// ErrDuplicateIP indicates another device already uses the IP address.
	ErrDuplicateIP = errors.New("duplicate ip")

	// ErrNotFound indicates the requested device does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnknownSession indicates the session id is not live.
	ErrUnknownSession = errors.New("unknown session")

	// ErrMissingPassword indicates password auth was requested without a usable password.
	ErrMissingPassword = errors.New("missing password")

	// ErrMissingCredentials indicates the stored auth material required to connect is absent.
	ErrMissingCredentials = errors.New("missing credentials")

	// ErrCrypto indicates a malformed or unauthenticated sealed payload.
	ErrCrypto = errors.New("malformed or unauthenticated payload")

	// ErrTransport indicates SSH connection/handshake/channel failure or local spawn failure.
	ErrTransport = errors.New("transport")

	// ErrConfiguration indicates the secret key is absent or unusable.
	ErrConfiguration = errors.New("configuration")
)

// Kind strings are stable and safe to show to API consumers.
const (
	KindValidation         = "validation"
	KindDuplicateIP        = "duplicate_ip"
	KindNotFound           = "not_found"
	KindUnknownSession     = "unknown_session"
	KindMissingPassword    = "missing_password"
	KindMissingCredentials = "missing_credentials"
	KindCrypto             = "crypto"
	KindTransport          = "transport"
	KindConfiguration      = "configuration"
	KindInternal           = "internal"
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrValidation, KindValidation},
	{ErrDuplicateIP, KindDuplicateIP},
	{ErrNotFound, KindNotFound},
	{ErrUnknownSession, KindUnknownSession},
	{ErrMissingPassword, KindMissingPassword},
	{ErrMissingCredentials, KindMissingCredentials},
	// configuration before crypto: key problems are wrapped with both
	{ErrConfiguration, KindConfiguration},
	{ErrCrypto, KindCrypto},
	{ErrTransport, KindTransport},
}

// Kind returns the stable kind of err, or KindInternal if err wraps no known sentinel.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// FromKind returns the sentinel for a kind string, or nil for KindInternal
// and unknown kinds.
func FromKind(kind string) error {
	for _, k := range kinds {
		if k.kind == kind {
			return k.err
		}
	}
	return nil
}
