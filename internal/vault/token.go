package vault

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrTokenInvalid covers malformed tokens and signature mismatches.
	ErrTokenInvalid = errors.New("vault: invalid agent token")

	// ErrTokenExpired is returned for tokens older than the agent TTL.
	ErrTokenExpired = errors.New("vault: agent token expired")
)

// agentTokenTTL is a hard cutoff; agents must re-register afterwards.
const agentTokenTTL = 24 * time.Hour

// agentClaims is the signed payload embedded in an agent bearer token.
type agentClaims struct {
	AgentID  string `json:"agentId"`
	OrgID    int64  `json:"orgId"`
	IssuedAt int64  `json:"issuedAt"`
	Type     string `json:"type"`
}

// TokenInfo is the verified identity carried by an agent bearer token.
type TokenInfo struct {
	AgentID  string
	OrgID    int64
	IssuedAt time.Time
}

// IssueAgentToken mints the bearer token returned to an agent at
// registration: base64url(claims) + "." + base64url(HMAC-SHA256(claims)).
func (v *Vault) IssueAgentToken(agentID string, orgID int64) (string, error) {
	claims := agentClaims{
		AgentID:  agentID,
		OrgID:    orgID,
		IssuedAt: time.Now().Unix(),
		Type:     "agent",
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("vault: encoding token claims: %w", err)
	}

	token := base64.RawURLEncoding.EncodeToString(payload) +
		"." +
		base64.RawURLEncoding.EncodeToString(v.sign(payload))
	return token, nil
}

// VerifyAgentToken checks the HMAC signature and the 24 h expiry window.
func (v *Vault) VerifyAgentToken(token string) (*TokenInfo, error) {
	idx := strings.LastIndexByte(token, '.')
	if idx < 0 {
		return nil, ErrTokenInvalid
	}

	payload, err := base64.RawURLEncoding.DecodeString(token[:idx])
	if err != nil {
		return nil, ErrTokenInvalid
	}
	sig, err := base64.RawURLEncoding.DecodeString(token[idx+1:])
	if err != nil {
		return nil, ErrTokenInvalid
	}

	if !hmac.Equal(sig, v.sign(payload)) {
		return nil, ErrTokenInvalid
	}

	var claims agentClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrTokenInvalid
	}
	if claims.Type != "agent" || claims.AgentID == "" {
		return nil, ErrTokenInvalid
	}

	issued := time.Unix(claims.IssuedAt, 0)
	if time.Since(issued) > agentTokenTTL {
		return nil, ErrTokenExpired
	}

	return &TokenInfo{
		AgentID:  claims.AgentID,
		OrgID:    claims.OrgID,
		IssuedAt: issued,
	}, nil
}

func (v *Vault) sign(data []byte) []byte {
	mac := hmac.New(sha256.New, v.masterKey)
	mac.Write(data)
	return mac.Sum(nil)
}
