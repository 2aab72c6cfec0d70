package vault

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigiasec/ingest/internal/model"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New(Config{MasterKey: "test-master-key-32-bytes-long!!!"})
	require.NoError(t, err)
	return v
}

func TestVault_EncryptDecryptRoundTrip(t *testing.T) {
	v := newTestVault(t)

	creds := &Credentials{
		APIKey:   "sk-live-abcdef123456",
		Username: "collector",
		Password: "hunter2hunter2",
		CustomFields: map[string]string{
			"region": "eu-west-1",
		},
	}

	sealed, err := v.Encrypt(creds)
	require.NoError(t, err)
	assert.NotEmpty(t, sealed.Ciphertext)
	assert.Len(t, mustHex(t, sealed.IV), 16)
	assert.Len(t, mustHex(t, sealed.Tag), 16)
	assert.Len(t, mustHex(t, sealed.Salt), 16)

	got, err := v.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, creds, got)
}

func TestVault_EncryptUsesFreshSaltAndIV(t *testing.T) {
	v := newTestVault(t)
	creds := &Credentials{Token: "same-token"}

	a, err := v.Encrypt(creds)
	require.NoError(t, err)
	b, err := v.Encrypt(creds)
	require.NoError(t, err)

	assert.NotEqual(t, a.Salt, b.Salt, "salt must be fresh per call")
	assert.NotEqual(t, a.IV, b.IV, "iv must be fresh per call")
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestVault_DecryptFailsClosed(t *testing.T) {
	v := newTestVault(t)
	sealed, err := v.Encrypt(&Credentials{APIKey: "secret-value"})
	require.NoError(t, err)

	cases := map[string]func(*EncryptedCredentials){
		"tampered ciphertext": func(b *EncryptedCredentials) { b.Ciphertext = flipHex(b.Ciphertext) },
		"tampered tag":        func(b *EncryptedCredentials) { b.Tag = flipHex(b.Tag) },
		"tampered iv":         func(b *EncryptedCredentials) { b.IV = flipHex(b.IV) },
		"tampered salt":       func(b *EncryptedCredentials) { b.Salt = flipHex(b.Salt) },
		"truncated ciphertext": func(b *EncryptedCredentials) {
			b.Ciphertext = b.Ciphertext[:len(b.Ciphertext)-2]
		},
		"not hex":   func(b *EncryptedCredentials) { b.Ciphertext = "zz" + b.Ciphertext[2:] },
		"empty tag": func(b *EncryptedCredentials) { b.Tag = "" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			blob := *sealed
			mutate(&blob)
			got, err := v.Decrypt(&blob)
			assert.ErrorIs(t, err, ErrBadCredentialBlob)
			assert.Nil(t, got, "no partial plaintext on failure")
		})
	}
}

func TestVault_DecryptRejectsForeignKey(t *testing.T) {
	v1 := newTestVault(t)
	v2, err := New(Config{MasterKey: "a-completely-different-master!!!"})
	require.NoError(t, err)

	sealed, err := v1.Encrypt(&Credentials{Password: "p4ssw0rd"})
	require.NoError(t, err)

	_, err = v2.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrBadCredentialBlob)
}

func TestVault_FallbackSeedDerivation(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoMasterKey)

	v, err := New(Config{FallbackSeed: "jwt-signing-secret"})
	require.NoError(t, err)
	assert.True(t, v.DerivedFromFallback())

	sealed, err := v.Encrypt(&Credentials{Token: "tok"})
	require.NoError(t, err)
	got, err := v.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "tok", got.Token)
}

func TestVault_Validate(t *testing.T) {
	v := newTestVault(t)

	assert.True(t, v.Validate(&Credentials{APIKey: "k"}, model.ConnectorAPI))
	assert.True(t, v.Validate(&Credentials{Token: "t"}, model.ConnectorAPI))
	assert.True(t, v.Validate(&Credentials{Username: "u", Password: "p"}, model.ConnectorAPI))
	assert.False(t, v.Validate(&Credentials{Username: "u"}, model.ConnectorAPI))

	assert.True(t, v.Validate(&Credentials{Username: "u", Password: "p"}, "database"))
	assert.False(t, v.Validate(&Credentials{Username: "u"}, "database"))

	assert.True(t, v.Validate(&Credentials{Token: "t"}, model.ConnectorAgent))
	assert.True(t, v.Validate(&Credentials{Certificate: "pem"}, model.ConnectorAgent))
	assert.False(t, v.Validate(&Credentials{}, model.ConnectorAgent))

	assert.True(t, v.Validate(&Credentials{}, model.ConnectorSyslog))
	assert.False(t, v.Validate(nil, model.ConnectorSyslog))
}

func TestVault_AgentTokenRoundTrip(t *testing.T) {
	v := newTestVault(t)

	token, err := v.IssueAgentToken("agent-123", 42)
	require.NoError(t, err)

	info, err := v.VerifyAgentToken(token)
	require.NoError(t, err)
	assert.Equal(t, "agent-123", info.AgentID)
	assert.Equal(t, int64(42), info.OrgID)
	assert.WithinDuration(t, time.Now(), info.IssuedAt, 5*time.Second)
}

func TestVault_AgentTokenRejectsTamper(t *testing.T) {
	v := newTestVault(t)
	token, err := v.IssueAgentToken("agent-123", 1)
	require.NoError(t, err)

	_, err = v.VerifyAgentToken(token + "x")
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = v.VerifyAgentToken("not-a-token")
	assert.ErrorIs(t, err, ErrTokenInvalid)

	// A token signed under a different master key must not verify.
	other, err := New(Config{MasterKey: "another-master-key-entirely!!!!!"})
	require.NoError(t, err)
	foreign, err := other.IssueAgentToken("agent-123", 1)
	require.NoError(t, err)
	_, err = v.VerifyAgentToken(foreign)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVault_AgentTokenExpiry(t *testing.T) {
	master := "test-master-key-32-bytes-long!!!"
	v, err := New(Config{MasterKey: master})
	require.NoError(t, err)

	// Hand-build a token issued 25 hours ago with the same signing scheme.
	claims := map[string]any{
		"agentId":  "agent-old",
		"orgId":    7,
		"issuedAt": time.Now().Add(-25 * time.Hour).Unix(),
		"type":     "agent",
	}
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	mac := hmac.New(sha256.New, []byte(master))
	mac.Write(payload)
	stale := base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	_, err = v.VerifyAgentToken(stale)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestSanitizeForLogging(t *testing.T) {
	creds := &Credentials{
		APIKey:   "sk-live-abcdef",
		Password: "abc",
		Token:    "12345",
		CustomFields: map[string]string{
			"inner": "value",
		},
	}

	got := SanitizeForLogging(creds)
	assert.Equal(t, "sk-l****", got["apiKey"])
	assert.Equal(t, "****", got["password"], "short values are fully masked")
	assert.Equal(t, "1234****", got["token"])
	assert.Equal(t, "[OBJECT]", got["customFields"])
	assert.NotContains(t, got, "username", "unset fields are omitted")
}

func TestSanitizeMap(t *testing.T) {
	got := SanitizeMap(map[string]any{
		"apiKey": "longsecret",
		"pin":    1234,
		"nested": map[string]any{"a": "b"},
		"list":   []any{"x"},
	})
	assert.Equal(t, "long****", got["apiKey"])
	assert.Equal(t, "****", got["pin"])
	assert.Equal(t, "[OBJECT]", got["nested"])
	assert.Equal(t, "[OBJECT]", got["list"])
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// flipHex flips one bit of the first byte while keeping valid hex.
func flipHex(s string) string {
	b, _ := hex.DecodeString(s)
	if len(b) == 0 {
		return s
	}
	b[0] ^= 0x01
	return hex.EncodeToString(b)
}
