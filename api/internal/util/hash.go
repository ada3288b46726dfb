package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// SHA256Hex — хэш содержимого изображения, ключ кэша.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
