// Package runtime provides environment/runtime detection helpers shared across fleetcore.
package runtime

import (
	"os"
	"strings"
	"sync"
)

var (
	strictIdentityModeOnce  sync.Once
	strictIdentityModeValue bool
)

// ResetStrictIdentityModeCache resets the cached strict identity mode value.
// This should only be used in tests.
func ResetStrictIdentityModeCache() {
	strictIdentityModeOnce = sync.Once{}
	strictIdentityModeValue = false
}

// StrictIdentityMode returns true when the service should fail closed on
// security-sensitive defaults (e.g. refuse plain HTTP base URLs when the
// caller asks httputil.NormalizeBaseURL to enforce it). It is on
// automatically in production and can be forced on elsewhere with
// STRICT_IDENTITY_MODE=true.
func StrictIdentityMode() bool {
	strictIdentityModeOnce.Do(func() {
		forced := strings.EqualFold(strings.TrimSpace(os.Getenv("STRICT_IDENTITY_MODE")), "true")
		strictIdentityModeValue = Env() == Production || forced
	})
	return strictIdentityModeValue
}
