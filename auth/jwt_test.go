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

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gdamore/logvisor"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestNewJWTRejectsShortSecrets(t *testing.T) {
	_, err := NewJWT("short", time.Hour)
	assert.Error(t, err)
}

func TestIssueVerify(t *testing.T) {
	j, err := NewJWT(testSecret, time.Hour)
	require.NoError(t, err)

	tok, err := j.Issue(logvisor.Identity{ID: 7, Username: "alice", Role: "admin"})
	require.NoError(t, err)

	id, err := j.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, &logvisor.Identity{ID: 7, Username: "alice", Role: "admin"}, id)
}

func TestVerifyFailures(t *testing.T) {
	j, err := NewJWT(testSecret, time.Hour)
	require.NoError(t, err)
	other, err := NewJWT("ffffffffffffffffffffffffffffffff", time.Hour)
	require.NoError(t, err)
	foreign, err := other.Issue(logvisor.Identity{ID: 1, Username: "mallory"})
	require.NoError(t, err)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Username: "old",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "logvisor",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, &Claims{
		Username: "alg",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "logvisor",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		Username: "none",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "logvisor"},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	cases := map[string]string{
		"empty":     "",
		"garbage":   "not.a.token",
		"signature": foreign,
		"expired":   expired,
		"algorithm": hs512,
		"none":      none,
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			id, err := j.Verify(tok)
			assert.Nil(t, id)
			assert.True(t, errors.Is(err, logvisor.ErrInvalidToken), "got %v", err)
		})
	}
}
