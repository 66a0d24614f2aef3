// Package gateway adapts provider-native payment notifications into the
// canonical (orderId, resultCode) pair the reconciliation service works
// with. Each provider has its own field names, its own signature scheme, and
// its own definition of success; adding a provider means adding one adapter
// here and registering it, never touching shared logic.
package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	appErrors "github.com/noah-isme/uni-registrar-api/pkg/errors"
)

// Notification is the canonical view of a provider callback.
type Notification struct {
	OrderID    string
	ResultCode string
}

// Gateway abstracts one payment provider's callback dialect.
type Gateway interface {
	// Name is the provider identifier used in callback routing.
	Name() string
	// Parse extracts the canonical pair from a provider-native payload.
	Parse(raw []byte) (*Notification, error)
	// IsSuccess interprets the provider's result code.
	IsSuccess(resultCode string) bool
	// VerifySignature authenticates the payload before it is trusted.
	VerifySignature(raw []byte) error
}

// Registry dispatches callbacks to the adapter for their provider.
type Registry struct {
	gateways map[string]Gateway
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(gateways ...Gateway) *Registry {
	reg := &Registry{gateways: make(map[string]Gateway, len(gateways))}
	for _, g := range gateways {
		reg.gateways[g.Name()] = g
	}
	return reg
}

// Lookup returns the adapter for providerID.
func (r *Registry) Lookup(providerID string) (Gateway, error) {
	g, ok := r.gateways[providerID]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrUnknownProvider, "unknown payment provider: "+providerID)
	}
	return g, nil
}

// signHMAC computes the hex-encoded HMAC-SHA256 shared by the adapters.
func signHMAC(secret string, parts ...string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, p := range parts {
		mac.Write([]byte(p))
	}
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyHMAC(secret, got string, parts ...string) error {
	want := signHMAC(secret, parts...)
	if !hmac.Equal([]byte(want), []byte(got)) {
		return appErrors.ErrInvalidSignature
	}
	return nil
}
