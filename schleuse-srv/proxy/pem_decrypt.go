package proxy

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des" // nolint:gosec // legacy PEM encryption
	"crypto/md5" // nolint:gosec // legacy PEM encryption
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	pkcs8 "github.com/youmark/pkcs8"

	"github.com/codefionn/schleuse/schleuse-srv/logger"
)

// legacyCipher describes a DEK-Info algorithm of RFC 1423 encrypted PEM.
type legacyCipher struct {
	keySize int
	block   func(key []byte) (cipher.Block, error)
}

var legacyCiphers = map[string]legacyCipher{
	"DES-CBC":      {keySize: 8, block: des.NewCipher},
	"DES-EDE3-CBC": {keySize: 24, block: des.NewTripleDESCipher},
	"AES-128-CBC":  {keySize: 16, block: aes.NewCipher},
	"AES-192-CBC":  {keySize: 24, block: aes.NewCipher},
	"AES-256-CBC":  {keySize: 32, block: aes.NewCipher},
}

func isLegacyEncryptedPEMBlock(block *pem.Block) bool {
	_, hasInfo := block.Headers["Proc-Type"]
	_, hasKey := block.Headers["DEK-Info"]
	return hasInfo && hasKey
}

// evpBytesToKey is OpenSSL's MD5 based key derivation for legacy PEM.
func evpBytesToKey(password, salt []byte, keySize int) []byte {
	var derived, prev []byte
	for len(derived) < keySize {
		h := md5.New() // nolint:gosec // legacy PEM encryption
		h.Write(prev)
		h.Write(password)
		h.Write(salt)
		prev = h.Sum(nil)
		derived = append(derived, prev...)
	}
	return derived[:keySize]
}

// decryptLegacyPEMBlock decrypts an RFC 1423 encrypted block. This format
// is weak and only read for compatibility with existing CA keys.
func decryptLegacyPEMBlock(block *pem.Block, password []byte) ([]byte, error) {
	if block.Headers["Proc-Type"] != "4,ENCRYPTED" {
		return nil, errors.New("PEM block does not have encrypted proc type")
	}
	alg, ivHex, ok := strings.Cut(block.Headers["DEK-Info"], ",")
	if !ok {
		return nil, errors.New("invalid DEK-Info format")
	}
	spec, ok := legacyCiphers[alg]
	if !ok {
		return nil, fmt.Errorf("unsupported encryption algorithm: %s", alg)
	}

	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return nil, fmt.Errorf("invalid IV hex: %w", err)
	}
	if len(iv) < 8 {
		return nil, errors.New("invalid IV length")
	}

	blockCipher, err := spec.block(evpBytesToKey(password, iv[:8], spec.keySize))
	if err != nil {
		return nil, fmt.Errorf("create %s cipher: %w", alg, err)
	}
	if len(iv) != blockCipher.BlockSize() {
		return nil, fmt.Errorf("invalid IV length for %s: %d", alg, len(iv))
	}
	if len(block.Bytes) == 0 || len(block.Bytes)%blockCipher.BlockSize() != 0 {
		return nil, errors.New("ciphertext is not a multiple of the block size")
	}

	plain := make([]byte, len(block.Bytes))
	cipher.NewCBCDecrypter(blockCipher, iv).CryptBlocks(plain, block.Bytes)

	padLen := int(plain[len(plain)-1])
	if padLen == 0 || padLen > blockCipher.BlockSize() {
		return nil, errors.New("invalid padding")
	}
	for _, b := range plain[len(plain)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("invalid padding")
		}
	}
	return plain[:len(plain)-padLen], nil
}

// decryptPEMKey returns keyPEM with its encryption removed. Keys that are
// not encrypted, or an empty password, leave keyPEM unchanged.
func decryptPEMKey(keyPEM []byte, password string) ([]byte, error) {
	if password == "" {
		return keyPEM, nil
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	switch {
	case block.Type == "ENCRYPTED PRIVATE KEY":
		key, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(password))
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt PKCS#8 encrypted private key: %w", err)
		}
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal decrypted private key: %w", err)
		}
		logger.Debug("Decrypted PKCS#8 encrypted CA key")
		return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil

	case isLegacyEncryptedPEMBlock(block):
		der, err := decryptLegacyPEMBlock(block, []byte(password))
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt legacy PEM block: %w", err)
		}
		logger.Debug("Decrypted legacy encrypted CA key")
		return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil

	default:
		return keyPEM, nil
	}
}
