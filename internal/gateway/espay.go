package gateway

import (
	"encoding/json"

	appErrors "github.com/noah-isme/uni-registrar-api/pkg/errors"
)

// Espay reports success with status "0" and signs order_id + status.
type Espay struct {
	secret string
}

// NewEspay constructs the adapter with its callback secret.
func NewEspay(secret string) *Espay {
	return &Espay{secret: secret}
}

type espayPayload struct {
	OrderID   string `json:"order_id"`
	Status    string `json:"status"`
	Signature string `json:"signature"`
}

// Name implements Gateway.
func (g *Espay) Name() string { return "espay" }

// Parse implements Gateway.
func (g *Espay) Parse(raw []byte) (*Notification, error) {
	var p espayPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrMalformedPayload.Code, appErrors.ErrMalformedPayload.Status, "invalid espay payload")
	}
	if p.OrderID == "" || p.Status == "" {
		return nil, appErrors.Clone(appErrors.ErrMalformedPayload, "espay payload missing order_id or status")
	}
	return &Notification{OrderID: p.OrderID, ResultCode: p.Status}, nil
}

// IsSuccess implements Gateway.
func (g *Espay) IsSuccess(resultCode string) bool { return resultCode == "0" }

// VerifySignature implements Gateway.
func (g *Espay) VerifySignature(raw []byte) error {
	var p espayPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return appErrors.Wrap(err, appErrors.ErrMalformedPayload.Code, appErrors.ErrMalformedPayload.Status, "invalid espay payload")
	}
	return verifyHMAC(g.secret, p.Signature, p.OrderID, p.Status)
}
