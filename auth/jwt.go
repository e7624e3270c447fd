// Copyright 2026 The Logvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth issues and verifies the bearer tokens accepted by the
// control plane and the realtime gateway.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gdamore/logvisor"
)

// MinSecretLength is the shortest HMAC secret NewJWT accepts.
const MinSecretLength = 32

// Claims are the token claims.  The subject carries the user id.
type Claims struct {
	UserID   int64  `json:"uid"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// JWT signs and verifies HS256 tokens with a shared secret.
type JWT struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

// NewJWT returns a verifier for secret.  Issued tokens are valid for ttl.
func NewJWT(secret string, ttl time.Duration) (*JWT, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d characters", MinSecretLength)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWT{secret: []byte(secret), ttl: ttl, issuer: "logvisor"}, nil
}

// Issue mints a token for id.
func (j *JWT) Issue(id logvisor.Identity) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:   id.ID,
		Username: id.Username,
		Role:     id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   id.Username,
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}

// Verify checks the signature, algorithm and validity window of token.
// Every failure wraps logvisor.ErrInvalidToken.
func (j *JWT) Verify(token string) (*logvisor.Identity, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty", logvisor.ErrInvalidToken)
	}
	tok, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return j.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(j.issuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: expired", logvisor.ErrInvalidToken)
		}
		return nil, fmt.Errorf("%w: %v", logvisor.ErrInvalidToken, err)
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, fmt.Errorf("%w: bad claims", logvisor.ErrInvalidToken)
	}
	return &logvisor.Identity{ID: claims.UserID, Username: claims.Username, Role: claims.Role}, nil
}
