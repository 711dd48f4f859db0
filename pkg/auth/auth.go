/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package auth holds the boundary to the external auth provider and the
// pod-scoped token issuer. The provider itself is out of scope; the core
// consumes VerifyToken and mints its own short-lived pod tokens for
// signaling authentication.
package auth

import (
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
	"k8s.io/utils/clock"

	"github.com/stark-run/stark/pkg/apis/core"
	"github.com/stark-run/stark/pkg/errors"
)

// User is the authenticated principal behind an agent session or admin
// call.
type User struct {
	ID    string
	Name  string
	Admin bool
}

// Verifier validates bearer tokens issued by the external auth provider.
type Verifier interface {
	VerifyToken(token string) (User, error)
}

// PodClaims are the private claims carried by a pod token.
type PodClaims struct {
	PodID     string         `json:"podId"`
	ServiceID string         `json:"svc,omitempty"`
	Namespace core.Namespace `json:"ns"`
	Refresh   bool           `json:"refresh,omitempty"`
}

// PodTokenIssuer mints and verifies the HS256 tokens that authenticate
// signaling frames originating from a pod.
type PodTokenIssuer struct {
	key      []byte
	validity time.Duration
	clock    clock.Clock
}

func NewPodTokenIssuer(key []byte, validity time.Duration, clk clock.Clock) *PodTokenIssuer {
	return &PodTokenIssuer{key: key, validity: validity, clock: clk}
}

func (i *PodTokenIssuer) sign(claims PodClaims, validity time.Duration) (string, error) {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: i.key}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", errors.Wrap(errors.KindInternal, err, "creating signer")
	}
	now := i.clock.Now()
	raw, err := jwt.Signed(signer).
		Claims(jwt.Claims{
			Subject:  claims.PodID,
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(validity)),
		}).
		Claims(claims).
		CompactSerialize()
	if err != nil {
		return "", errors.Wrap(errors.KindInternal, err, "signing pod token")
	}
	return raw, nil
}

// MintPodToken returns a pod token and a refresh token for the pod. The
// refresh token lives three times as long and may only be exchanged for a
// new pair.
func (i *PodTokenIssuer) MintPodToken(podID, serviceID string, ns core.Namespace) (token string, refresh string, err error) {
	token, err = i.sign(PodClaims{PodID: podID, ServiceID: serviceID, Namespace: ns}, i.validity)
	if err != nil {
		return "", "", err
	}
	refresh, err = i.sign(PodClaims{PodID: podID, ServiceID: serviceID, Namespace: ns, Refresh: true}, 3*i.validity)
	if err != nil {
		return "", "", err
	}
	return token, refresh, nil
}

// VerifyPodToken checks signature and expiry and returns the claims.
func (i *PodTokenIssuer) VerifyPodToken(raw string) (PodClaims, error) {
	tok, err := jwt.ParseSigned(raw)
	if err != nil {
		return PodClaims{}, errors.Wrap(errors.KindAuth, err, "parsing pod token")
	}
	var std jwt.Claims
	var claims PodClaims
	if err := tok.Claims(i.key, &std, &claims); err != nil {
		return PodClaims{}, errors.Wrap(errors.KindAuth, err, "verifying pod token")
	}
	if err := std.ValidateWithLeeway(jwt.Expected{Time: i.clock.Now()}, time.Minute); err != nil {
		return PodClaims{}, errors.Wrap(errors.KindAuth, err, "pod token expired")
	}
	return claims, nil
}

// Exchange validates a refresh token and mints a fresh pair.
func (i *PodTokenIssuer) Exchange(refreshToken string) (string, string, error) {
	claims, err := i.VerifyPodToken(refreshToken)
	if err != nil {
		return "", "", err
	}
	if !claims.Refresh {
		return "", "", errors.New(errors.KindAuth, "token is not a refresh token")
	}
	return i.MintPodToken(claims.PodID, claims.ServiceID, claims.Namespace)
}

// StaticVerifier authenticates agents against a fixed shared token. It
// stands in for the external provider in tests and single-tenant setups.
type StaticVerifier struct {
	Token string
	User  User
}

func (v StaticVerifier) VerifyToken(token string) (User, error) {
	if token != v.Token {
		return User{}, errors.New(errors.KindAuth, "invalid token")
	}
	return v.User, nil
}
