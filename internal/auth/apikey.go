package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// apiKeyTokenPrefix is the fixed plaintext prefix for every API key:
// "lk_" + 64 hex chars.
const apiKeyTokenPrefix = "lk_"

// ArgonParams controls the Argon2id cost. DefaultArgonParams is the
// production profile (its values equal the defaults of
// internal/config.Config's Argon* fields, which this package does not
// read); tests substitute FastTestArgonParams so property tests run in
// milliseconds.
type ArgonParams struct {
	TimeCost    uint32
	MemoryKiB   uint32
	Parallelism uint8
	KeyLen      uint32
	SaltLen     uint32
}

// DefaultArgonParams is the production cost profile.
var DefaultArgonParams = ArgonParams{TimeCost: 3, MemoryKiB: 65536, Parallelism: 2, KeyLen: 32, SaltLen: 16}

// FastTestArgonParams is a deliberately weak profile for use only in tests.
var FastTestArgonParams = ArgonParams{TimeCost: 1, MemoryKiB: 8, Parallelism: 1, KeyLen: 32, SaltLen: 16}

// GenerateAPIKey creates a new plaintext API key ("lk_" + 64 hex chars) and
// its Argon2id hash under the given cost parameters. The plaintext is
// returned to the caller exactly once; only the hash is persisted.
func GenerateAPIKey(params ArgonParams) (plaintext, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generating api key: %w", err)
	}
	plaintext = apiKeyTokenPrefix + hex.EncodeToString(raw)

	hash, err = HashAPIKey(plaintext, params)
	if err != nil {
		return "", "", err
	}
	return plaintext, hash, nil
}

// HashAPIKey hashes plaintext with a fresh random salt under Argon2id,
// encoding the salt and parameters alongside the digest so verification
// never needs out-of-band parameter storage.
func HashAPIKey(plaintext string, params ArgonParams) (string, error) {
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	digest := argon2.IDKey([]byte(plaintext), salt, params.TimeCost, params.MemoryKiB, params.Parallelism, params.KeyLen)

	return fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		params.MemoryKiB, params.TimeCost, params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(digest),
	), nil
}

// VerifyAPIKey re-hashes plaintext with the parameters and salt embedded in
// encodedHash and compares digests in constant time.
func VerifyAPIKey(plaintext, encodedHash string) (bool, error) {
	var memory, timeCost uint32
	var parallelism uint8
	var saltB64, digestB64 string

	n, err := fmt.Sscanf(encodedHash, "$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s", &memory, &timeCost, &parallelism, &saltB64, &digestB64)
	if err != nil || n != 5 {
		parts := strings.Split(encodedHash, "$")
		if len(parts) != 6 {
			return false, fmt.Errorf("malformed api key hash")
		}
		if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &timeCost, &parallelism); err != nil {
			return false, fmt.Errorf("malformed api key hash params: %w", err)
		}
		saltB64, digestB64 = parts[4], parts[5]
	}

	salt, err := base64.RawStdEncoding.DecodeString(saltB64)
	if err != nil {
		return false, fmt.Errorf("decoding salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(digestB64)
	if err != nil {
		return false, fmt.Errorf("decoding digest: %w", err)
	}

	got := argon2.IDKey([]byte(plaintext), salt, timeCost, memory, parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// HasAPIKeyPrefix reports whether a bearer token looks like an API key
// rather than a session token, used by the middleware to pick a lookup path
// without hitting the database twice.
func HasAPIKeyPrefix(token string) bool {
	return strings.HasPrefix(token, apiKeyTokenPrefix)
}

// HasSessionTokenPrefix reports whether a bearer token looks like a session
// token.
func HasSessionTokenPrefix(token string) bool {
	return strings.HasPrefix(token, sessionTokenPrefix)
}
