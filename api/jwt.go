package api

import (
	"crypto"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

type JWT struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// ParseAndValidateJWT 驗證access token的簽章與標準宣告。
// issuer、audience 不為空時一併強制比對。
func ParseAndValidateJWT(tokenString string, secret crypto.Signer, issuer, audience string) (*JWT, error) {
	const op = "ParseJWT"
	parserOpts := []jwt.ParserOption{}
	if issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(audience))
	}
	token, err := jwt.ParseWithClaims(tokenString, &JWT{}, func(token *jwt.Token) (interface{}, error) {
		return secret.Public(), nil
	}, parserOpts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%s: token is invalid", op)
	}
	claims, ok := token.Claims.(*JWT)
	if !ok {
		return nil, fmt.Errorf("%s: token claims are invalid", op)
	}
	return claims, nil
}
