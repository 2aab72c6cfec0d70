// Package vault protects connector credentials at rest and issues the bearer
// tokens handed to registered host agents.
//
// Credentials are sealed with AES-256-GCM under a key derived from the
// process-wide master key and a per-blob salt (scrypt, 32-byte output).
// Decryption fails closed: any tampered or truncated blob yields
// ErrBadCredentialBlob and no partial plaintext.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"

	"github.com/vigiasec/ingest/internal/logging"
	"github.com/vigiasec/ingest/internal/model"
)

var (
	// ErrBadCredentialBlob is returned for any sealed blob that does not
	// decrypt and authenticate cleanly.
	ErrBadCredentialBlob = errors.New("vault: bad credential blob")

	// ErrNoMasterKey is returned when neither a master key nor a fallback
	// seed is available at construction.
	ErrNoMasterKey = errors.New("vault: no master key configured")
)

const (
	saltSize = 16
	ivSize   = 16
	tagSize  = 16
	keySize  = 32

	// scrypt cost parameters; memory-hard on purpose.
	scryptN = 32768
	scryptR = 8
	scryptP = 1

	// fallbackSalt fixes the derivation of a development master key from the
	// seed secret. Production deployments must set the master key directly.
	fallbackSalt = "vigia-ingest-master-v1"
)

// Credentials is the plaintext credential set stored per connector.
type Credentials struct {
	APIKey       string            `json:"apiKey,omitempty"`
	APISecret    string            `json:"apiSecret,omitempty"`
	Username     string            `json:"username,omitempty"`
	Password     string            `json:"password,omitempty"`
	Token        string            `json:"token,omitempty"`
	AccessToken  string            `json:"accessToken,omitempty"`
	RefreshToken string            `json:"refreshToken,omitempty"`
	PrivateKey   string            `json:"privateKey,omitempty"`
	Certificate  string            `json:"certificate,omitempty"`
	CustomFields map[string]string `json:"customFields,omitempty"`
}

// EncryptedCredentials is the sealed quadruple persisted inside a connector
// configuration. All four fields are hex-encoded.
type EncryptedCredentials struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Tag        string `json:"tag"`
	Salt       string `json:"salt"`
}

// Config configures a Vault.
type Config struct {
	// MasterKey is the primary process-wide secret (env VIGIA_MASTER_KEY).
	MasterKey string
	// FallbackSeed derives a development master key when MasterKey is empty
	// (env VIGIA_JWT_SECRET).
	FallbackSeed string
}

// Vault seals and opens credential blobs and signs agent tokens.
// Read-only after construction; safe for concurrent use.
type Vault struct {
	masterKey []byte
	derived   bool
}

// New builds a Vault from the configured master key. When only the fallback
// seed is present the key is derived from it with a fixed salt and a warning
// is emitted once; that path is a development affordance only.
func New(cfg Config) (*Vault, error) {
	switch {
	case cfg.MasterKey != "":
		return &Vault{masterKey: []byte(cfg.MasterKey)}, nil
	case cfg.FallbackSeed != "":
		key, err := scrypt.Key([]byte(cfg.FallbackSeed), []byte(fallbackSalt), scryptN, scryptR, scryptP, keySize)
		if err != nil {
			return nil, fmt.Errorf("vault: deriving fallback master key: %w", err)
		}
		log := logging.WithComponent("vault")
		log.Warn().
			Msg("master key derived from fallback seed; set VIGIA_MASTER_KEY in production")
		return &Vault{masterKey: key, derived: true}, nil
	default:
		return nil, ErrNoMasterKey
	}
}

// DerivedFromFallback reports whether the master key came from the
// development fallback seed.
func (v *Vault) DerivedFromFallback() bool { return v.derived }

// Encrypt seals the credential set with a fresh salt and IV.
func (v *Vault) Encrypt(creds *Credentials) (*EncryptedCredentials, error) {
	plain, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("vault: encoding credentials: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("vault: generating salt: %w", err)
	}
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("vault: generating iv: %w", err)
	}

	gcm, err := v.cipherFor(salt)
	if err != nil {
		return nil, err
	}

	// Seal appends the 16-byte auth tag to the ciphertext; keep them as
	// separate fields in the stored blob.
	sealed := gcm.Seal(nil, iv, plain, nil)
	cut := len(sealed) - tagSize

	return &EncryptedCredentials{
		Ciphertext: hex.EncodeToString(sealed[:cut]),
		IV:         hex.EncodeToString(iv),
		Tag:        hex.EncodeToString(sealed[cut:]),
		Salt:       hex.EncodeToString(salt),
	}, nil
}

// Decrypt opens a sealed blob. Any tag mismatch, truncation or re-encoded
// field yields ErrBadCredentialBlob.
func (v *Vault) Decrypt(blob *EncryptedCredentials) (*Credentials, error) {
	if blob == nil {
		return nil, ErrBadCredentialBlob
	}

	ct, err := hex.DecodeString(blob.Ciphertext)
	if err != nil {
		return nil, ErrBadCredentialBlob
	}
	iv, err := hex.DecodeString(blob.IV)
	if err != nil || len(iv) != ivSize {
		return nil, ErrBadCredentialBlob
	}
	tag, err := hex.DecodeString(blob.Tag)
	if err != nil || len(tag) != tagSize {
		return nil, ErrBadCredentialBlob
	}
	salt, err := hex.DecodeString(blob.Salt)
	if err != nil || len(salt) != saltSize {
		return nil, ErrBadCredentialBlob
	}

	gcm, err := v.cipherFor(salt)
	if err != nil {
		return nil, err
	}

	plain, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, ErrBadCredentialBlob
	}

	var creds Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, ErrBadCredentialBlob
	}
	return &creds, nil
}

// Validate runs the connector-type-specific completeness check.
func (v *Vault) Validate(creds *Credentials, connectorType model.ConnectorType) bool {
	if creds == nil {
		return false
	}
	switch connectorType {
	case model.ConnectorAPI:
		return creds.APIKey != "" || creds.Token != "" ||
			(creds.Username != "" && creds.Password != "")
	case "database":
		return creds.Username != "" && creds.Password != ""
	case model.ConnectorAgent:
		return creds.Token != "" || creds.Certificate != ""
	case model.ConnectorSyslog:
		return true
	default:
		return true
	}
}

func (v *Vault) cipherFor(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(v.masterKey, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("vault: deriving key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("vault: creating gcm: %w", err)
	}
	return gcm, nil
}
