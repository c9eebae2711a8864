package token

import (
	"crypto/md5"
	"fmt"
)

// DeriveCredential computes the password sent with a login request: the
// 32-character hex MD5 digest of the raw secret, rearranged as
// digest[26:32] + digest[6:26] + digest[0:6]. The upstream derives the
// stored password the same way, so the permutation must match exactly.
func DeriveCredential(secret string) string {
	digest := fmt.Sprintf("%x", md5.Sum([]byte(secret)))
	return digest[26:] + digest[6:26] + digest[:6]
}
