package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/pquerna/otp/totp"
	"github.com/router-for-me/ModelProxyAPI/internal/settings"
	"golang.org/x/crypto/bcrypt"
)

// Admin guard failures.
var (
	ErrAdminKeyMissing = errors.New("auth: admin key missing")
	ErrAdminKeyInvalid = errors.New("auth: admin key invalid")
	ErrAdminOTPInvalid = errors.New("auth: admin otp invalid")
)

// MintAdminKey generates a fresh random admin key.
func MintAdminKey() (string, error) {
	buf := make([]byte, 24)
	if _, errRead := rand.Read(buf); errRead != nil {
		return "", fmt.Errorf("auth: mint admin key: %w", errRead)
	}
	return "mpa-admin-" + hex.EncodeToString(buf), nil
}

// HashAdminKey bcrypt-hashes an admin key for storage.
func HashAdminKey(key string) (string, error) {
	hash, errHash := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if errHash != nil {
		return "", fmt.Errorf("auth: hash admin key: %w", errHash)
	}
	return string(hash), nil
}

// ExtractAdminKey pulls the admin key from a request. Precedence:
// x-admin-key, Authorization bearer, then the admin_key query parameter.
func ExtractAdminKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("x-admin-key")); key != "" {
		return key
	}
	if raw := strings.TrimSpace(r.Header.Get("Authorization")); raw != "" {
		if token, ok := bearerToken(raw); ok && token != "" {
			return token
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("admin_key"))
}

// VerifyAdminKey checks a presented admin key against the stored bcrypt hash.
func VerifyAdminKey(r *http.Request) error {
	presented := ExtractAdminKey(r)
	if presented == "" {
		return ErrAdminKeyMissing
	}
	hash := settings.String(settings.AdminKeyHashKey, "")
	if hash == "" {
		return ErrAdminKeyInvalid
	}
	if errCompare := bcrypt.CompareHashAndPassword([]byte(hash), []byte(presented)); errCompare != nil {
		return ErrAdminKeyInvalid
	}
	return nil
}

// VerifyAdminOTP enforces the optional TOTP second factor on destructive
// admin calls. With no secret configured it is a no-op.
func VerifyAdminOTP(r *http.Request) error {
	secret := settings.String(settings.AdminTOTPSecretKey, "")
	if secret == "" {
		return nil
	}
	code := strings.TrimSpace(r.Header.Get("x-admin-otp"))
	if code == "" || !totp.Validate(code, secret) {
		return ErrAdminOTPInvalid
	}
	return nil
}
