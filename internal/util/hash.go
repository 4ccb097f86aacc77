package util

import (
	"crypto/md5"
	"encoding/hex"
)

// PathID derives the record identifier for an image path.
// The same path string always yields the same id, across processes.
func PathID(path string) string {
	sum := md5.Sum([]byte(path))
	return hex.EncodeToString(sum[:])
}
