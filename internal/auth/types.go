package auth

import (
	"time"

	xerrors "basilisk-escrow/internal/errors"
)

// Header names carried by signed requests.
const (
	HeaderSigner    = "X-Escrow-Signer"
	HeaderSignature = "X-Escrow-Signature"
	HeaderTimestamp = "X-Escrow-Timestamp"
	HeaderNonce     = "X-Escrow-Nonce"
	// HeaderActor is trusted as-is only when authentication is disabled.
	HeaderActor = "X-Escrow-Actor"
)

// Error codes returned by the authentication subsystem.
const (
	CodeMissingCredentials xerrors.Code = "MISSING_CREDENTIALS"
	CodeInvalidSignature   xerrors.Code = "INVALID_SIGNATURE"
	CodeStaleRequest       xerrors.Code = "STALE_REQUEST"
	CodeReplayedNonce      xerrors.Code = "REPLAYED_NONCE"
	CodeBodyTooLarge       xerrors.Code = "BODY_TOO_LARGE"
)

func init() {
	for code, message := range map[xerrors.Code]string{
		CodeMissingCredentials: "request is missing signer credentials",
		CodeInvalidSignature:   "request signature does not match signer",
		CodeStaleRequest:       "request timestamp outside accepted window",
		CodeReplayedNonce:      "request nonce already used",
	} {
		xerrors.Register(code, xerrors.Attributes{Message: message, Kind: xerrors.KindAuthentication, Severity: xerrors.SeverityWarning})
	}
	xerrors.Register(CodeBodyTooLarge, xerrors.Attributes{Message: "request body too large", Kind: xerrors.KindValidation, Severity: xerrors.SeverityInfo})
}

// Common errors returned by the authentication subsystem.
var (
	ErrMissingCredentials = xerrors.New(CodeMissingCredentials, "request is missing signer credentials")
	ErrInvalidSignature   = xerrors.New(CodeInvalidSignature, "request signature does not match signer")
	ErrStaleRequest       = xerrors.New(CodeStaleRequest, "request timestamp outside accepted window")
	ErrReplayedNonce      = xerrors.New(CodeReplayedNonce, "request nonce already used")
	ErrBodyTooLarge       = xerrors.New(CodeBodyTooLarge, "request body too large")
)

// Mode enumerates the supported authentication providers.
type Mode string

const (
	// ModeDisabled trusts the X-Escrow-Actor header. Development only.
	ModeDisabled Mode = "disabled"
	// ModeSignature requires an EIP-191 personal signature over each request.
	ModeSignature Mode = "signature"
)

// Config configures the authentication service.
type Config struct {
	Mode Mode
	// MaxSkew bounds the distance between the request timestamp and the
	// server clock.
	MaxSkew time.Duration
	// NonceTTL is how long a used nonce is remembered. It must cover
	// twice MaxSkew so that a replay inside the window is always caught.
	NonceTTL time.Duration
	// MaxBodyBytes bounds how much of the body is read for hashing.
	MaxBodyBytes int64
}

func (c Config) withDefaults() Config {
	if c.MaxSkew <= 0 {
		c.MaxSkew = 5 * time.Minute
	}
	if c.NonceTTL < 2*c.MaxSkew {
		c.NonceTTL = 2 * c.MaxSkew
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	return c
}
