package gateway

import (
	"encoding/json"

	appErrors "github.com/noah-isme/uni-registrar-api/pkg/errors"
)

// Flip reports success with status_code "1" and signs bill_order + status_code.
type Flip struct {
	secret string
}

// NewFlip constructs the adapter with its callback secret.
func NewFlip(secret string) *Flip {
	return &Flip{secret: secret}
}

type flipPayload struct {
	BillOrder  string `json:"bill_order"`
	StatusCode string `json:"status_code"`
	Token      string `json:"token"`
}

// Name implements Gateway.
func (g *Flip) Name() string { return "flip" }

// Parse implements Gateway.
func (g *Flip) Parse(raw []byte) (*Notification, error) {
	var p flipPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrMalformedPayload.Code, appErrors.ErrMalformedPayload.Status, "invalid flip payload")
	}
	if p.BillOrder == "" || p.StatusCode == "" {
		return nil, appErrors.Clone(appErrors.ErrMalformedPayload, "flip payload missing bill_order or status_code")
	}
	return &Notification{OrderID: p.BillOrder, ResultCode: p.StatusCode}, nil
}

// IsSuccess implements Gateway.
func (g *Flip) IsSuccess(resultCode string) bool { return resultCode == "1" }

// VerifySignature implements Gateway.
func (g *Flip) VerifySignature(raw []byte) error {
	var p flipPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return appErrors.Wrap(err, appErrors.ErrMalformedPayload.Code, appErrors.ErrMalformedPayload.Status, "invalid flip payload")
	}
	return verifyHMAC(g.secret, p.Token, p.BillOrder, p.StatusCode)
}
