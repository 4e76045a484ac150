package secret

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Codec seals and opens stored mail-server passwords with AES-256-CBC.
// Sealed values are encoded as "hex(iv):hex(ciphertext)" so they stay
// compatible with records written by earlier versions of the service.
type Codec struct {
	key []byte
}

// New builds a Codec from a 64-character hex key (32 bytes).
func New(hexKey string) (*Codec, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("secret key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("secret key must be 32 bytes, got %d", len(key))
	}
	return &Codec{key: key}, nil
}

// Seal encrypts plaintext with a random IV.
func (c *Codec) Seal(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	padded := pad([]byte(plaintext), aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ct), nil
}

// Open decrypts a sealed value produced by Seal.
func (c *Codec) Open(sealed string) (string, error) {
	iv, ct, err := decode(sealed)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}

	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)

	pt, err = unpad(pt, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

func decode(sealed string) (iv, ct []byte, err error) {
	parts := strings.SplitN(sealed, ":", 2)
	if len(parts) != 2 {
		return nil, nil, errors.New("sealed value must have the form iv:ciphertext")
	}
	iv, err = hex.DecodeString(parts[0])
	if err != nil || len(iv) != aes.BlockSize {
		return nil, nil, errors.New("sealed value has an invalid iv")
	}
	ct, err = hex.DecodeString(parts[1])
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, nil, errors.New("sealed value has an invalid ciphertext")
	}
	return iv, ct, nil
}

func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, errors.New("invalid padded length")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, errors.New("invalid padding")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return b[:len(b)-n], nil
}
