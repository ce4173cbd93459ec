package onboarding

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/artifact"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/errcode"
)

const (
	secretBytes = 32
	ackKDFInfo  = "dbvc-handshake-ack"
	sigPrefix   = "sha256="
)

// Ack is the mothership's signed acknowledgement of an accepted client.
type Ack struct {
	SiteUID       string    `json:"site_uid"`
	Accepted      bool      `json:"accepted"`
	RegisteredAt  time.Time `json:"registered_at"`
	MothershipUID string    `json:"mothership_uid"`
	Signature     string    `json:"signature"`
}

func (a Ack) message() ([]byte, error) {
	return artifact.Encode(map[string]any{
		"site_uid":       a.SiteUID,
		"accepted":       a.Accepted,
		"registered_at":  a.RegisteredAt.UTC().Format(time.RFC3339Nano),
		"mothership_uid": a.MothershipUID,
	})
}

// ackKey derives the ack signing key from the issued secret with HKDF-SHA256.
func ackKey(secret, mothershipUID string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(secret), []byte(mothershipUID), []byte(ackKDFInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}

func ackSignature(secret string, a Ack) (string, error) {
	key, err := ackKey(secret, a.MothershipUID)
	if err != nil {
		return "", err
	}
	msg, err := a.message()
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return sigPrefix + hex.EncodeToString(mac.Sum(nil)), nil
}

// SignAck returns a with its signature set.
func SignAck(secret string, a Ack) (Ack, error) {
	sig, err := ackSignature(secret, a)
	if err != nil {
		return Ack{}, err
	}
	a.Signature = sig
	return a, nil
}

// VerifyAck lets a client confirm the ack was produced by the holder of the
// secret it was just issued.
func VerifyAck(secret string, a Ack) error {
	if secret == "" {
		return errcode.New(errcode.SecretMissing, "no handshake secret to verify the ack with")
	}
	want, err := ackSignature(secret, a)
	if err != nil {
		return errcode.Wrap(errcode.Internal, err, "compute ack signature")
	}
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(a.Signature))) {
		return errcode.New(errcode.SignatureInvalid, "handshake ack signature does not match")
	}
	return nil
}

func newSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// HashSecret is the stored form of a handshake secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// SecretMatches compares secret with a stored hash in constant time.
func SecretMatches(hash, secret string) bool {
	if hash == "" || secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hash), []byte(HashSecret(secret))) == 1
}

func decodeReplay(raw []byte, v *HandshakeResult) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return errcode.Wrap(errcode.Internal, err, "decode stored handshake response")
	}
	return nil
}
