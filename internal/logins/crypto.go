package logins

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/nerrad567/appservices/internal/auth"
	"github.com/nerrad567/appservices/internal/infrastructure/database"
)

// Meta keys owned by the crypto layer.
const (
	metaSalt     = "encryption_salt"
	metaKeyCheck = "encryption_key_check"
)

// keyCheckPlaintext is sealed into meta to detect a wrong key at open.
const keyCheckPlaintext = "appservices-logins"

// fieldCipher seals and opens the secure fields of a login.
type fieldCipher struct {
	aead cipher.AEAD
}

func newFieldCipher(passphrase string, salt []byte, p auth.KDFParams) (*fieldCipher, error) {
	p.KeyLen = chacha20poly1305.KeySize
	aead, err := chacha20poly1305.NewX(auth.DeriveKey(passphrase, salt, p))
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return &fieldCipher{aead: aead}, nil
}

// seal encrypts plaintext and returns base64(nonce || ciphertext).
func (c *fieldCipher) seal(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(c.aead.Seal(nonce, nonce, plaintext, nil)), nil
}

// open reverses seal. Any failure is reported as ErrWrongKey.
func (c *fieldCipher) open(sealed string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(data) < c.aead.NonceSize() {
		return nil, fmt.Errorf("%w: malformed ciphertext", ErrWrongKey)
	}
	nonce, ciphertext := data[:c.aead.NonceSize()], data[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrWrongKey
	}
	return plaintext, nil
}

func (c *fieldCipher) sealFields(l *Login) (string, error) {
	data, err := json.Marshal(secureFields{Username: l.Username, Password: l.Password})
	if err != nil {
		return "", fmt.Errorf("encoding secure fields: %w", err)
	}
	return c.seal(data)
}

func (c *fieldCipher) openFields(sealed string, l *Login) error {
	data, err := c.open(sealed)
	if err != nil {
		return err
	}
	var sf secureFields
	if err := json.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("decoding secure fields: %w", err)
	}
	l.Username = sf.Username
	l.Password = sf.Password
	return nil
}

// setupCipher loads or creates the salt, derives the key and checks it
// against the stored canary.
func setupCipher(ctx context.Context, tx *database.Tx, passphrase string, p auth.KDFParams) (*fieldCipher, error) {
	saltText, ok, err := database.GetMeta(ctx, tx, metaSalt)
	if err != nil {
		return nil, err
	}

	var salt []byte
	if ok {
		salt, err = base64.StdEncoding.DecodeString(saltText)
		if err != nil {
			return nil, fmt.Errorf("decoding stored salt: %w", err)
		}
	} else {
		salt, err = auth.NewSalt()
		if err != nil {
			return nil, err
		}
		if err := database.PutMeta(ctx, tx, metaSalt, encodeSalt(salt)); err != nil {
			return nil, err
		}
	}

	c, err := newFieldCipher(passphrase, salt, p)
	if err != nil {
		return nil, err
	}

	check, ok, err := database.GetMeta(ctx, tx, metaKeyCheck)
	if err != nil {
		return nil, err
	}
	if ok {
		plain, err := c.open(check)
		if err != nil || string(plain) != keyCheckPlaintext {
			return nil, ErrWrongKey
		}
		return c, nil
	}

	sealed, err := c.seal([]byte(keyCheckPlaintext))
	if err != nil {
		return nil, err
	}
	if err := database.PutMeta(ctx, tx, metaKeyCheck, sealed); err != nil {
		return nil, err
	}
	return c, nil
}

func encodeSalt(salt []byte) string {
	return base64.StdEncoding.EncodeToString(salt)
}
