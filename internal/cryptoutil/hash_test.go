package cryptoutil

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
)

func TestSHA256Hex(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"empty", []byte{}, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{"page", []byte("hello world"), "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SHA256Hex(tt.in); got != tt.want {
				t.Fatalf("SHA256Hex = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDigestEqual(t *testing.T) {
	d := SHA256Hex([]byte("<html>home</html>"))
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"same", d, d, true},
		{"uppercase stored digest", strings.ToUpper(d), d, true},
		{"different content", d, SHA256Hex([]byte("<html>about</html>")), false},
		{"prefix", d, d[:32], false},
		{"missing stored digest", "", d, false},
		{"both empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DigestEqual(tt.a, tt.b); got != tt.want {
				t.Fatalf("DigestEqual(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestSecretEqual(t *testing.T) {
	want := []byte("s3cret-token")
	tests := []struct {
		name string
		got  []byte
		want []byte
		ok   bool
	}{
		{"match", []byte("s3cret-token"), want, true},
		{"wrong", []byte("s3cret-tokeN"), want, false},
		{"shorter", []byte("s3cret"), want, false},
		{"longer", []byte("s3cret-token-and-more"), want, false},
		{"empty presented", nil, want, false},
		{"nothing configured", []byte(""), nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SecretEqual(tt.got, tt.want); got != tt.ok {
				t.Fatalf("SecretEqual(%q, %q) = %v, want %v", tt.got, tt.want, got, tt.ok)
			}
		})
	}
}

func FuzzSHA256Hex(f *testing.F) {
	f.Add([]byte(""))
	f.Add([]byte("hello"))
	f.Add([]byte{0xff, 0xfe, 0xfd})

	f.Fuzz(func(t *testing.T, data []byte) {
		result := SHA256Hex(data)

		// INVARIANT: always 64 lowercase hex characters
		if len(result) != 64 || result != strings.ToLower(result) {
			t.Errorf("SHA256Hex = %q", result)
		}

		// INVARIANT: matches stdlib directly
		h := sha256.Sum256(data)
		if want := hex.EncodeToString(h[:]); result != want {
			t.Errorf("SHA256Hex = %q, stdlib = %q", result, want)
		}

		// INVARIANT: a digest always equals itself
		if !DigestEqual(result, result) {
			t.Errorf("DigestEqual(%q, itself) = false", result)
		}
	})
}

func FuzzSecretEqual(f *testing.F) {
	f.Add("abc", "abc")
	f.Add("abc", "def")
	f.Add("a", "")

	f.Fuzz(func(t *testing.T, a, b string) {
		got := SecretEqual([]byte(a), []byte(b))

		// INVARIANT: agrees with plain equality when a secret is configured
		if want := b != "" && a == b; got != want {
			t.Errorf("SecretEqual(%q, %q) = %v, want %v", a, b, got, want)
		}
	})
}
