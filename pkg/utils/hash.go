package utils

import (
	"crypto/md5"
	"fmt"
)

func HashString(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}

// ShortHash returns the first 12 hex chars of the MD5 digest, used for
// address keys and cache file names.
func ShortHash(input string) string {
	full := HashString(input)
	return full[:12]
}
