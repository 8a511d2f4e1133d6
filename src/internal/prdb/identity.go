package prdb

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ethyca/fides-engine/src/internal/errors"
)

// IdentityCodec encrypts provided identity values at rest and produces the
// deterministic hash used for search, so lookups never require decryption.
type IdentityCodec struct {
	aead cipher.AEAD
	salt []byte
}

// NewIdentityCodec builds a codec from a 32-byte AES key and a hashing salt.
func NewIdentityCodec(key, salt []byte) (*IdentityCodec, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "identity codec")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "identity codec")
	}
	return &IdentityCodec{aead: aead, salt: salt}, nil
}

// Encrypt seals value with a random nonce prepended to the ciphertext.
func (c *IdentityCodec) Encrypt(value string) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.EnsureStack(err)
	}
	return c.aead.Seal(nonce, nonce, []byte(value), nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (c *IdentityCodec) Decrypt(data []byte) (string, error) {
	if len(data) < c.aead.NonceSize() {
		return "", errors.New("identity ciphertext too short")
	}
	nonce, rest := data[:c.aead.NonceSize()], data[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, rest, nil)
	if err != nil {
		return "", errors.Wrap(err, "decrypt identity")
	}
	return string(plain), nil
}

// Hash returns the salted hash used for the search index.
func (c *IdentityCodec) Hash(value string) string {
	h := sha256.New()
	h.Write(c.salt)
	h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil))
}

// ProvidedIdentity is one decrypted identity value attached to a request.
type ProvidedIdentity struct {
	ID        string
	RequestID string
	Field     string
	Value     string
}

// CreateProvidedIdentity stores one encrypted identity value.
func CreateProvidedIdentity(ctx context.Context, ext sqlx.ExtContext, codec *IdentityCodec, requestID, field, value string) error {
	enc, err := codec.Encrypt(value)
	if err != nil {
		return err
	}
	_, err = ext.ExecContext(ctx,
		`INSERT INTO provided_identities (id, privacy_request_id, field_name, encrypted_value, hashed_value)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), requestID, field, enc, codec.Hash(value))
	return errors.Wrap(err, "create provided identity")
}

// GetProvidedIdentities returns the decrypted identity map for a request.
func GetProvidedIdentities(ctx context.Context, ext sqlx.ExtContext, codec *IdentityCodec, requestID string) (map[string]string, error) {
	var rows []struct {
		Field string `db:"field_name"`
		Value []byte `db:"encrypted_value"`
	}
	err := sqlx.SelectContext(ctx, ext, &rows,
		`SELECT field_name, encrypted_value FROM provided_identities WHERE privacy_request_id = $1`, requestID)
	if err != nil {
		return nil, errors.Wrap(err, "get provided identities")
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		v, err := codec.Decrypt(r.Value)
		if err != nil {
			return nil, err
		}
		out[r.Field] = v
	}
	return out, nil
}

// SearchRequestsByIdentity returns the ids of requests whose identity hash
// matches value.
func SearchRequestsByIdentity(ctx context.Context, ext sqlx.ExtContext, codec *IdentityCodec, value string) ([]string, error) {
	var ids []string
	err := sqlx.SelectContext(ctx, ext, &ids,
		`SELECT DISTINCT privacy_request_id FROM provided_identities WHERE hashed_value = $1`, codec.Hash(value))
	return ids, errors.Wrap(err, "search requests by identity")
}
