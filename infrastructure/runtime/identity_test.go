package runtime

import "testing"

func TestStrictIdentityMode(t *testing.T) {
	t.Run("production env", func(t *testing.T) {
		t.Setenv("ENVIRONMENT", "production")
		ResetStrictIdentityModeCache()
		if !StrictIdentityMode() {
			t.Fatalf("StrictIdentityMode() = false, want true")
		}
	})

	t.Run("forced via env var", func(t *testing.T) {
		t.Setenv("ENVIRONMENT", "development")
		t.Setenv("STRICT_IDENTITY_MODE", "true")
		ResetStrictIdentityModeCache()
		if !StrictIdentityMode() {
			t.Fatalf("StrictIdentityMode() = false, want true")
		}
	})

	t.Run("off in development by default", func(t *testing.T) {
		t.Setenv("ENVIRONMENT", "development")
		t.Setenv("STRICT_IDENTITY_MODE", "")
		ResetStrictIdentityModeCache()
		if StrictIdentityMode() {
			t.Fatalf("StrictIdentityMode() = true, want false")
		}
	})
}
