package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/storage"
)

// TokenCodec issues and verifies signed bearer tokens. A token embeds the
// session id, issue time, and a nonce; the HMAC covers all three, so a
// token cannot be re-pointed at another session. Tokens carry no expiry
// themselves: expiry lives on the stored session record, which keeps
// logout effective across every instance sharing the backend.
type TokenCodec struct {
	secret []byte
}

// NewTokenCodec builds a codec around the shared signing secret.
func NewTokenCodec(secret string) *TokenCodec {
	return &TokenCodec{secret: []byte(secret)}
}

// Generate signs a bearer token for the session id.
func (c *TokenCodec) Generate(sessionID string, issuedAtMillis int64) string {
	nonce := uuid.New().String()
	sig := c.sign(sessionID, issuedAtMillis, nonce)
	payload := fmt.Sprintf("%s:%d:%s:%s", sessionID, issuedAtMillis, nonce, sig)
	return base64.StdEncoding.EncodeToString([]byte(payload))
}

// Verify checks the token signature and returns the embedded session id.
// Failures are deliberately uniform: callers learn only that the token is
// unauthorized, not which part failed.
func (c *TokenCodec) Verify(token string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", storage.NewUnauthorized("invalid session token")
	}
	// Session id and nonce are uuids and the timestamp is decimal, so a
	// well-formed payload splits into exactly four colon-separated parts.
	parts := strings.Split(string(raw), ":")
	if len(parts) != 4 {
		return "", storage.NewUnauthorized("invalid session token")
	}
	sessionID, issued, nonce, sig := parts[0], parts[1], parts[2], parts[3]

	h := hmac.New(sha256.New, c.secret)
	fmt.Fprintf(h, "%s:%s:%s", sessionID, issued, nonce)
	expected := hex.EncodeToString(h.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return "", storage.NewUnauthorized("invalid session token")
	}
	return sessionID, nil
}

func (c *TokenCodec) sign(sessionID string, issuedAtMillis int64, nonce string) string {
	h := hmac.New(sha256.New, c.secret)
	fmt.Fprintf(h, "%s:%d:%s", sessionID, issuedAtMillis, nonce)
	return hex.EncodeToString(h.Sum(nil))
}
