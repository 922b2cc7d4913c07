package security

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/argon2"
)

// ErrMissingSecret is returned by NewPairing when no pairing secret is
// configured. Pairing stays disabled; the host keeps running.
var ErrMissingSecret = errors.New("pairing secret is not configured")

// Argon2id parameters for the pairing secret digest.
const (
	argonTime    = 2
	argonMemory  = 19 * 1024
	argonThreads = 1
	argonKeyLen  = 32
	saltLen      = 16
)

// PairResult is the outcome of a pairing attempt.
type PairResult int

const (
	// PairInvalid means the token did not match.
	PairInvalid PairResult = iota
	// PairBlocked means the user is locked out and the token was not checked.
	PairBlocked
	// PairGranted means the user was added to the whitelist.
	PairGranted
)

func (r PairResult) String() string {
	switch r {
	case PairGranted:
		return "granted"
	case PairBlocked:
		return "blocked"
	default:
		return "invalid"
	}
}

// Whitelist is the set of users allowed to talk to the assistant.
type Whitelist interface {
	IsWhitelisted(channel, userID string) (bool, error)
	AddToWhitelist(channel, userID string) (bool, error)
	RemoveFromWhitelist(channel, userID string) (bool, error)
}

// Pairing checks pairing tokens and grants whitelist access.
type Pairing struct {
	guard     *Guard
	whitelist Whitelist
	salt      []byte
	digest    []byte
	logger    *slog.Logger
}

// NewPairing creates the pairing flow for secret. Only a salted Argon2id
// digest of the secret is kept.
func NewPairing(secret string, guard *Guard, whitelist Whitelist, logger *slog.Logger) (*Pairing, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if logger == nil {
		logger = slog.Default()
	}
	if guard == nil {
		guard = NewGuard(nil, DefaultGuardConfig(), logger)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate pairing salt: %w", err)
	}

	return &Pairing{
		guard:     guard,
		whitelist: whitelist,
		salt:      salt,
		digest:    deriveDigest(secret, salt),
		logger:    logger.With("component", "pairing"),
	}, nil
}

// Attempt checks token for userID on channel. Rejections are results, not
// errors; errors are reserved for storage failures.
func (p *Pairing) Attempt(ctx context.Context, channel, userID, token string) (PairResult, error) {
	if err := ctx.Err(); err != nil {
		return PairInvalid, err
	}

	key := channel + ":" + userID
	if !p.guard.Check(key) {
		p.logger.Warn("pairing attempt while blocked", "channel", channel, "user", userID)
		return PairBlocked, nil
	}

	if subtle.ConstantTimeCompare(deriveDigest(token, p.salt), p.digest) != 1 {
		if err := p.guard.RecordFailure(key); err != nil {
			return PairInvalid, err
		}
		p.logger.Warn("invalid pairing token", "channel", channel, "user", userID)
		return PairInvalid, nil
	}

	if err := p.guard.RecordSuccess(key); err != nil {
		return PairInvalid, err
	}
	if _, err := p.whitelist.AddToWhitelist(channel, userID); err != nil {
		return PairInvalid, fmt.Errorf("whitelist %s: %w", key, err)
	}

	p.logger.Info("user paired", "channel", channel, "user", userID)
	return PairGranted, nil
}

// IsAllowed reports whether userID on channel is whitelisted.
func (p *Pairing) IsAllowed(channel, userID string) (bool, error) {
	return p.whitelist.IsWhitelisted(channel, userID)
}

// Revoke removes userID on channel from the whitelist.
func (p *Pairing) Revoke(channel, userID string) (bool, error) {
	removed, err := p.whitelist.RemoveFromWhitelist(channel, userID)
	if err != nil {
		return false, fmt.Errorf("revoke %s:%s: %w", channel, userID, err)
	}
	if removed {
		p.logger.Info("user unpaired", "channel", channel, "user", userID)
	}
	return removed, nil
}

func deriveDigest(secret string, salt []byte) []byte {
	return argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}
