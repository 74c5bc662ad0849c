package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"io"
	"os"
)

// CalculateFileSHA256 computes the SHA-256 hash of a file's content.
func CalculateFileSHA256(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// QueryToken returns the 8-hex-digit token for a canonical query string.
// probe > 0 selects the next slot when the previous token collided.
func QueryToken(canonicalQuery string, probe uint32) string {
	h := fnv.New32a()
	h.Write([]byte(canonicalQuery))
	return fmt.Sprintf("%08x", h.Sum32()+probe)
}
