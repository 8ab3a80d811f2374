// Package tokens genera tokens opacos y deriva identificadores de clave.
package tokens

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"golang.org/x/crypto/blake2b"
)

// GenerateOpaqueToken genera un token opaco aleatorio (base64url sin padding).
func GenerateOpaqueToken(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// SHA256Base64URL devuelve sha256(input) en base64url sin padding (para guardar en DB).
func SHA256Base64URL(s string) string {
	sum := sha256.Sum256([]byte(s))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// DeriveKID deriva un key ID estable a partir de la clave pública:
// blake2b-160 de los bytes públicos, en base64url. Determinístico por clave,
// sin exponer material privado.
func DeriveKID(publicKey []byte) string {
	sum := blake2b.Sum256(publicKey)
	return base64.RawURLEncoding.EncodeToString(sum[:20])
}
