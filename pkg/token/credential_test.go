package token

import (
	"crypto/md5"
	"fmt"
	"testing"
)

func TestDeriveCredential(t *testing.T) {
	// md5("password") = 5f4dcc3b5aa765d61d8327deb882cf99, rearranged as
	// digest[26:32] + digest[6:26] + digest[0:6].
	expected := "82cf993b5aa765d61d8327deb85f4dcc"
	if got := DeriveCredential("password"); got != expected {
		t.Errorf("expected %q, got %q", expected, got)
	}
}

func TestDeriveCredentialShape(t *testing.T) {
	secrets := []string{"", "a", "password", "correct horse battery staple", "p@ss\x00word"}

	for _, secret := range secrets {
		first := DeriveCredential(secret)
		if len(first) != 32 {
			t.Errorf("secret %q: expected 32 characters, got %d", secret, len(first))
		}
		if second := DeriveCredential(secret); second != first {
			t.Errorf("secret %q: transform is not deterministic: %q != %q", secret, first, second)
		}

		digest := fmt.Sprintf("%x", md5.Sum([]byte(secret)))
		if first == digest {
			t.Errorf("secret %q: transform returned the plain digest", secret)
		}
	}
}
