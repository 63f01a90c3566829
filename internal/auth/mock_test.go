package auth

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMockValidator_ValidateToken_WithValidJWT(t *testing.T) {
	mock := &MockValidator{}

	payload := map[string]interface{}{
		"sub":   "test-peer-123",
		"name":  "Test Peer",
		"email": "test@example.com",
	}
	payloadBytes, _ := json.Marshal(payload)
	encodedPayload := base64.RawURLEncoding.EncodeToString(payloadBytes)

	token := "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9." + encodedPayload + ".fake-signature"

	claims, err := mock.ValidateToken(token)
	assert.NoError(t, err)
	assert.NotNil(t, claims)
	assert.Equal(t, "test-peer-123", claims.Subject)
	assert.Equal(t, "Test Peer", claims.Name)
	assert.Equal(t, "test@example.com", claims.Email)
}

func TestMockValidator_ValidateToken_WithInvalidJWT(t *testing.T) {
	mock := &MockValidator{}

	claims, err := mock.ValidateToken("invalid-token")
	assert.NoError(t, err)
	assert.NotNil(t, claims)
	assert.Equal(t, "dev-peer-123", claims.Subject)
	assert.Equal(t, "Dev Peer", claims.Name)
	assert.Equal(t, "dev@example.com", claims.Email)
}

func TestMockValidator_ValidateToken_WithPartialClaims(t *testing.T) {
	mock := &MockValidator{}

	payload := map[string]interface{}{
		"sub": "partial-peer",
	}
	payloadBytes, _ := json.Marshal(payload)
	encodedPayload := base64.RawURLEncoding.EncodeToString(payloadBytes)

	token := "header." + encodedPayload + ".signature"

	claims, err := mock.ValidateToken(token)
	assert.NoError(t, err)
	assert.NotNil(t, claims)
	assert.Equal(t, "partial-peer", claims.Subject)
	assert.Equal(t, "Dev Peer", claims.Name)
	assert.Equal(t, "dev@example.com", claims.Email)
}
