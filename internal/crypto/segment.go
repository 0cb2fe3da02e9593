package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// SegmentKeySize is the AES-128 key length used for HLS segment encryption.
	SegmentKeySize = 16
	// SegmentIVSize is the CBC initialisation vector length.
	SegmentIVSize = aes.BlockSize
)

var (
	// ErrInvalidKey is returned for key material of the wrong length or encoding.
	ErrInvalidKey = errors.New("invalid segment key")
	// ErrInvalidPadding is returned when decrypted data does not end in valid PKCS#7 padding.
	ErrInvalidPadding = errors.New("invalid PKCS#7 padding")
)

// EncryptSegment encrypts a whole media segment with AES-128-CBC and PKCS#7
// padding, as required by HLS METHOD=AES-128.
func EncryptSegment(plaintext, key, iv []byte) ([]byte, error) {
	block, err := newSegmentCipher(key, iv)
	if err != nil {
		return nil, err
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// DecryptSegment reverses EncryptSegment.
func DecryptSegment(ciphertext, key, iv []byte) ([]byte, error) {
	block, err := newSegmentCipher(key, iv)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(ciphertext))
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out, aes.BlockSize)
}

// DecodeKeyMaterial decodes hex-encoded key and IV, checking both are 16 bytes.
func DecodeKeyMaterial(hexKey, hexIV string) (key, iv []byte, err error) {
	key, err = decodeHex16(hexKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: key: %v", ErrInvalidKey, err)
	}
	iv, err = decodeHex16(hexIV)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: iv: %v", ErrInvalidKey, err)
	}
	return key, iv, nil
}

// FormatIV renders an IV the way EXT-X-KEY expects it.
func FormatIV(iv []byte) string {
	return "0x" + strings.ToUpper(hex.EncodeToString(iv))
}

func decodeHex16(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != SegmentKeySize {
		return nil, fmt.Errorf("expected %d bytes, got %d", SegmentKeySize, len(b))
	}
	return b, nil
}

func newSegmentCipher(key, iv []byte) (cipher.Block, error) {
	if len(key) != SegmentKeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidKey, SegmentKeySize, len(key))
	}
	if len(iv) != SegmentIVSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes, got %d", ErrInvalidKey, SegmentIVSize, len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return block, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(bytes.Clone(data), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrInvalidPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, ErrInvalidPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrInvalidPadding
		}
	}
	return data[:len(data)-n], nil
}
