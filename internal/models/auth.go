package models

import "github.com/golang-jwt/jwt/v5"

// JWTClaims represents the JWT payload for access tokens issued by the
// upstream identity gate. Authorization itself happens there; this service
// only trusts the validated subject.
type JWTClaims struct {
	UserID    string `json:"user_id"`
	StudentID string `json:"student_id,omitempty"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}
