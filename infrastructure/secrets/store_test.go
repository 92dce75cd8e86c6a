package secrets

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpen_GeneratesAndPersistsMasterSecretAndSalt(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "secrets")

	if _, err := Open(dir); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("Stat(dir) error = %v", err)
	}
	if info.Mode().Perm() != DirMode {
		t.Fatalf("dir mode = %v, want %v", info.Mode().Perm(), os.FileMode(DirMode))
	}

	for _, name := range []string{".master", ".salt"} {
		fi, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("Stat(%s) error = %v", name, err)
		}
		if fi.Mode().Perm() != FileMode {
			t.Fatalf("%s mode = %v, want %v", name, fi.Mode().Perm(), os.FileMode(FileMode))
		}
	}
}

func TestOpen_ReusesExistingMasterSecret(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "secrets")

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() #1 error = %v", err)
	}
	encrypted, err := s1.Encrypt("hunter2")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() #2 error = %v", err)
	}
	plain, err := s2.Decrypt(encrypted)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if plain != "hunter2" {
		t.Fatalf("Decrypt() = %q, want hunter2", plain)
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	for _, value := range []string{"", "short", "a reasonably long panel password with spaces 日本語"} {
		encrypted, err := s.Encrypt(value)
		if err != nil {
			t.Fatalf("Encrypt(%q) error = %v", value, err)
		}
		if !strings.HasPrefix(encrypted, EncryptedPrefix) {
			t.Fatalf("Encrypt(%q) = %q, want encrypted: prefix", value, encrypted)
		}
		if !IsEncrypted(encrypted) {
			t.Fatalf("IsEncrypted(%q) = false, want true", encrypted)
		}

		decrypted, err := s.Decrypt(encrypted)
		if err != nil {
			t.Fatalf("Decrypt(%q) error = %v", encrypted, err)
		}
		if decrypted != value {
			t.Fatalf("Decrypt() = %q, want %q", decrypted, value)
		}
	}
}

func TestDecrypt_RejectsTamperedCiphertext(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	encrypted, err := s.Encrypt("secret-value")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	tampered := encrypted + "AA"

	if _, err := s.Decrypt(tampered); err == nil {
		t.Fatal("Decrypt() on tampered ciphertext should fail")
	}
}

func TestDecrypt_DifferentStoreCannotDecrypt(t *testing.T) {
	s1, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() #1 error = %v", err)
	}
	s2, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() #2 error = %v", err)
	}

	encrypted, err := s1.Encrypt("secret-value")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if _, err := s2.Decrypt(encrypted); err == nil {
		t.Fatal("Decrypt() with a different master secret should fail")
	}
}

func TestMask(t *testing.T) {
	tests := []struct {
		secret  string
		visible int
		want    string
	}{
		{"", 4, ""},
		{"abc", 4, "***"},
		{"abcd1234", 4, "********"},
		{"abcd12345678", 4, "abcd****5678"},
		{"hunter2password", 3, "hun*********ord"},
	}

	for _, tt := range tests {
		t.Run(tt.secret, func(t *testing.T) {
			if got := Mask(tt.secret, tt.visible); got != tt.want {
				t.Errorf("Mask(%q, %d) = %q, want %q", tt.secret, tt.visible, got, tt.want)
			}
		})
	}
}
