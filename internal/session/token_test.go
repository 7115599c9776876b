package session

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/storage"
)

func TestTokenCodec_RoundTrip(t *testing.T) {
	codec := NewTokenCodec("test-secret")
	token := codec.Generate("session-123", time.Now().UnixMilli())

	id, err := codec.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "session-123", id)
}

func TestTokenCodec_PayloadShape(t *testing.T) {
	issued := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	token := NewTokenCodec("test-secret").Generate("abc", issued)

	raw, err := base64.StdEncoding.DecodeString(token)
	require.NoError(t, err)
	parts := strings.Split(string(raw), ":")
	require.Len(t, parts, 4)
	assert.Equal(t, "abc", parts[0])
	assert.Equal(t, "1748779200000", parts[1])
	assert.NotEmpty(t, parts[2])
	assert.Len(t, parts[3], 64) // hex sha256
}

func TestTokenCodec_RejectsBadTokens(t *testing.T) {
	codec := NewTokenCodec("test-secret")
	good := codec.Generate("session-123", time.Now().UnixMilli())

	cases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"not base64", "!!!not-base64!!!"},
		{"wrong part count", base64.StdEncoding.EncodeToString([]byte("only:three:parts"))},
		{"truncated", good[:len(good)/2]},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := codec.Verify(tc.token)
			require.Error(t, err)
			assert.Equal(t, storage.KindUnauthorized, storage.KindOf(err))
		})
	}
}

func TestTokenCodec_RejectsWrongSecret(t *testing.T) {
	token := NewTokenCodec("secret-a").Generate("session-123", time.Now().UnixMilli())

	_, err := NewTokenCodec("secret-b").Verify(token)
	require.Error(t, err)
	assert.Equal(t, storage.KindUnauthorized, storage.KindOf(err))
}

func TestTokenCodec_RejectsTamperedSessionID(t *testing.T) {
	codec := NewTokenCodec("test-secret")
	token := codec.Generate("session-123", time.Now().UnixMilli())

	raw, err := base64.StdEncoding.DecodeString(token)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), "session-123", "session-456", 1)

	_, err = codec.Verify(base64.StdEncoding.EncodeToString([]byte(tampered)))
	require.Error(t, err)
	assert.Equal(t, storage.KindUnauthorized, storage.KindOf(err))
}
