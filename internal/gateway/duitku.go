package gateway

import (
	"encoding/json"

	appErrors "github.com/noah-isme/uni-registrar-api/pkg/errors"
)

// Duitku reports success with resultCode "00" and signs
// merchantOrderId + resultCode.
type Duitku struct {
	secret string
}

// NewDuitku constructs the adapter with its callback secret.
func NewDuitku(secret string) *Duitku {
	return &Duitku{secret: secret}
}

type duitkuPayload struct {
	MerchantOrderID string `json:"merchantOrderId"`
	ResultCode      string `json:"resultCode"`
	Signature       string `json:"signature"`
}

// Name implements Gateway.
func (g *Duitku) Name() string { return "duitku" }

// Parse implements Gateway.
func (g *Duitku) Parse(raw []byte) (*Notification, error) {
	var p duitkuPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrMalformedPayload.Code, appErrors.ErrMalformedPayload.Status, "invalid duitku payload")
	}
	if p.MerchantOrderID == "" || p.ResultCode == "" {
		return nil, appErrors.Clone(appErrors.ErrMalformedPayload, "duitku payload missing merchantOrderId or resultCode")
	}
	return &Notification{OrderID: p.MerchantOrderID, ResultCode: p.ResultCode}, nil
}

// IsSuccess implements Gateway.
func (g *Duitku) IsSuccess(resultCode string) bool { return resultCode == "00" }

// VerifySignature implements Gateway.
func (g *Duitku) VerifySignature(raw []byte) error {
	var p duitkuPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return appErrors.Wrap(err, appErrors.ErrMalformedPayload.Code, appErrors.ErrMalformedPayload.Status, "invalid duitku payload")
	}
	return verifyHMAC(g.secret, p.Signature, p.MerchantOrderID, p.ResultCode)
}
