// Package auth implements the login handshake that exchanges a
// username/password for a session token, and the password hashing it
// depends on.
package auth

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/shardkv/goclient/internal/connection"
	"github.com/shardkv/goclient/internal/info"
	"golang.org/x/crypto/pbkdf2"
)

// Hasher derives an opaque, fixed-length credential from a password and a
// server-supplied salt. The wire protocol treats this as opaque bytes;
// PBKDF2-HMAC-SHA256 is the concrete algorithm behind it, a standalone
// key-derivation step without a surrounding SASL exchange.
type Hasher interface {
	Hash(password string, salt []byte) []byte
}

// PBKDF2Hasher is the default Hasher: PBKDF2-HMAC-SHA256 with a fixed
// iteration count and output length.
type PBKDF2Hasher struct {
	Iterations int
	KeyLength  int
}

// NewPBKDF2Hasher returns a Hasher with sane defaults (10000 iterations,
// 32-byte output).
func NewPBKDF2Hasher() PBKDF2Hasher {
	return PBKDF2Hasher{Iterations: 10000, KeyLength: 32}
}

func (h PBKDF2Hasher) Hash(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, h.Iterations, h.KeyLength, sha256.New)
}

// Credentials is a username/password pair.
type Credentials struct {
	Username string
	Password string
}

// Token is the session credential returned by a successful login,
// replayed on every subsequent connection to the same node.
type Token struct {
	Bytes   []byte
	Expires time.Time
}

// ErrAuthFailed is returned when the server rejects a login attempt.
type ErrAuthFailed struct {
	Reason string
}

func (e *ErrAuthFailed) Error() string { return "auth: login failed: " + e.Reason }

// Login performs the login handshake over conn: request a salt, hash the
// password, send the login command, and parse the session token and its
// expiration from the response. Each step sends one request and blocks
// for a single reply frame before branching on its outcome.
func Login(ctx context.Context, conn *connection.Connection, creds Credentials, hasher Hasher, timeout time.Duration) (Token, error) {
	saltResp, err := info.Request(ctx, conn.Raw(), timeout, "auth-salt")
	if err != nil {
		return Token{}, fmt.Errorf("auth: requesting salt: %w", err)
	}
	salt := []byte(saltResp["auth-salt"])
	if len(salt) == 0 {
		return Token{}, &ErrAuthFailed{Reason: "server returned no salt"}
	}

	hashed := hasher.Hash(creds.Password, salt)
	loginName := fmt.Sprintf("login:%s:%x", creds.Username, hashed)
	resp, err := info.Request(ctx, conn.Raw(), timeout, loginName)
	if err != nil {
		return Token{}, fmt.Errorf("auth: login request: %w", err)
	}

	result, ok := resp[loginName]
	if !ok || result == "" {
		return Token{}, &ErrAuthFailed{Reason: "no login response"}
	}
	if result == "INVALID_CREDENTIAL" || result == "EXPIRED_PASSWORD" || result == "FORBIDDEN" {
		return Token{}, &ErrAuthFailed{Reason: result}
	}

	tokenResp, err := info.Request(ctx, conn.Raw(), timeout, "session-info")
	if err != nil {
		return Token{}, fmt.Errorf("auth: session-info: %w", err)
	}
	ttl := parseTTLSeconds(tokenResp["session-ttl"])
	return Token{
		Bytes:   []byte(tokenResp["session-token"]),
		Expires: time.Now().Add(ttl),
	}, nil
}

// ReplaySession presents a previously issued session token on a freshly
// dialed connection, so pooled connections skip the full salt/login
// exchange. A rejected token returns ErrAuthFailed; the caller signals
// the node for an out-of-band re-login rather than retrying here.
func ReplaySession(ctx context.Context, conn *connection.Connection, tok Token, timeout time.Duration) error {
	name := "session:" + string(tok.Bytes)
	resp, err := info.Request(ctx, conn.Raw(), timeout, name)
	if err != nil {
		return fmt.Errorf("auth: session replay: %w", err)
	}
	switch resp[name] {
	case "INVALID_CREDENTIAL", "EXPIRED_SESSION", "FORBIDDEN":
		return &ErrAuthFailed{Reason: resp[name]}
	}
	return nil
}

func parseTTLSeconds(v string) time.Duration {
	if v == "" {
		return time.Hour
	}
	var secs int64
	if _, err := fmt.Sscanf(v, "%d", &secs); err != nil || secs <= 0 {
		return time.Hour
	}
	return time.Duration(secs) * time.Second
}
