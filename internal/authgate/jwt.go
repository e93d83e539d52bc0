/*
Copyright 2024 Gravitational, Inc.

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

// jwt.go mints and verifies the RS256 session cookie of spec §4.9, §3
// (AuthClaims). Grounded directly on lib/jwt/jwt.go's Key.sign/verify shape
// over gopkg.in/square/go-jose.v2, adapted to this spec's fixed
// iss=aud="rproxy" and the original_source's (oauth2.rs) exp = iat + 86400
// invariant.
package authgate

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	jose "gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// issuerAudience is the fixed iss/aud value for every token this gate
// issues or verifies (spec §3, AuthClaims).
const issuerAudience = "rproxy"

// sessionTTL is exp - iat (spec §3, AuthClaims).
const sessionTTL = 24 * time.Hour

// AuthClaims mirrors spec §3's AuthClaims record.
type AuthClaims struct {
	Subject  string `json:"sub"`
	TenantID string `json:"tid"`
	Expiry   int64  `json:"exp"`
	IssuedAt int64  `json:"iat"`
	Issuer   string `json:"iss"`
	Audience string `json:"aud"`
}

// wireClaims is the on-the-wire JSON shape, with tid riding alongside the
// go-jose standard registered claims so jwt.Expected can validate
// iss/aud/exp directly against it (lib/jwt/jwt.go's own Claims wraps
// jwt.Claims the same way).
type wireClaims struct {
	jwt.Claims
	TenantID string `json:"tid"`
}

func toWireClaims(c AuthClaims) wireClaims {
	return wireClaims{
		Claims: jwt.Claims{
			Subject:  c.Subject,
			Issuer:   c.Issuer,
			Audience: jwt.Audience{c.Audience},
			IssuedAt: jwt.NewNumericDate(time.Unix(c.IssuedAt, 0)),
			Expiry:   jwt.NewNumericDate(time.Unix(c.Expiry, 0)),
		},
		TenantID: c.TenantID,
	}
}

func fromWireClaims(w wireClaims) AuthClaims {
	out := AuthClaims{TenantID: w.TenantID}
	if w.Subject != "" {
		out.Subject = w.Subject
	}
	out.Issuer = w.Issuer
	if len(w.Audience) > 0 {
		out.Audience = w.Audience[0]
	}
	if w.IssuedAt != nil {
		out.IssuedAt = w.IssuedAt.Time().Unix()
	}
	if w.Expiry != nil {
		out.Expiry = w.Expiry.Time().Unix()
	}
	return out
}

// Verifier signs and verifies the rproxy_auth cookie's JWT.
type Verifier struct {
	privateKey crypto.Signer
	publicKey  crypto.PublicKey
	clock      clockwork.Clock
}

// NewVerifier builds a Verifier from RS256 PEM-encoded key material
// (jwt_private_cert, jwt_cert). Loaded once at startup, as a fatal error on
// either file being unreadable/unparseable (SPEC_FULL.md supplemented
// feature #4).
func NewVerifier(publicPEM, privatePEM []byte, clock clockwork.Clock) (*Verifier, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	privBlock, _ := pem.Decode(privatePEM)
	if privBlock == nil {
		return nil, trace.BadParameter("jwt_private_cert: no PEM block found")
	}
	var signer crypto.Signer
	privKey, err := x509.ParsePKCS1PrivateKey(privBlock.Bytes)
	if err == nil {
		signer = privKey
	} else {
		privKeyAny, err2 := x509.ParsePKCS8PrivateKey(privBlock.Bytes)
		if err2 != nil {
			return nil, trace.Wrap(err, "parsing jwt_private_cert")
		}
		var ok bool
		if signer, ok = privKeyAny.(crypto.Signer); !ok {
			return nil, trace.BadParameter("jwt_private_cert does not hold an RSA signing key")
		}
	}

	pubBlock, _ := pem.Decode(publicPEM)
	if pubBlock == nil {
		return nil, trace.BadParameter("jwt_cert: no PEM block found")
	}
	pubKey, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		cert, err2 := x509.ParseCertificate(pubBlock.Bytes)
		if err2 != nil {
			return nil, trace.Wrap(err, "parsing jwt_cert")
		}
		pubKey = cert.PublicKey
	}

	return &Verifier{privateKey: signer, publicKey: pubKey, clock: clock}, nil
}

// Sign mints a JWT with AuthClaims{iss=aud="rproxy", iat=now, exp=now+24h},
// signed RS256 (spec §4.9, Exchange(code)).
func (v *Verifier) Sign(sub, tid string) (string, error) {
	if v.privateKey == nil {
		return "", trace.BadParameter("cannot sign: no private key loaded")
	}

	now := v.clock.Now().UTC()
	claims := AuthClaims{
		Subject:  sub,
		TenantID: tid,
		IssuedAt: now.Unix(),
		Expiry:   now.Add(sessionTTL).Unix(),
		Issuer:   issuerAudience,
		Audience: issuerAudience,
	}

	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.RS256,
		Key:       v.privateKey,
	}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", trace.Wrap(err)
	}

	token, err := jwt.Signed(signer).Claims(toWireClaims(claims)).CompactSerialize()
	if err != nil {
		return "", trace.Wrap(err)
	}
	return token, nil
}

// Verify checks the RS256 signature and iss/aud/exp of a raw JWT, and
// returns the decoded AuthClaims (spec §4.9, §8 P7).
func (v *Verifier) Verify(rawToken string) (*AuthClaims, error) {
	if v.publicKey == nil {
		return nil, trace.BadParameter("cannot verify: no public key loaded")
	}

	tok, err := jwt.ParseSigned(rawToken)
	if err != nil {
		return nil, trace.Wrap(err, "parsing jwt")
	}

	var claims wireClaims
	if err := tok.Claims(v.publicKey, &claims); err != nil {
		return nil, trace.Wrap(err, "verifying jwt signature")
	}

	expected := jwt.Expected{
		Issuer:   issuerAudience,
		Audience: jwt.Audience{issuerAudience},
		Time:     v.clock.Now(),
	}
	if err := claims.Claims.Validate(expected); err != nil {
		return nil, trace.Wrap(err, "validating jwt claims")
	}

	out := fromWireClaims(claims)
	return &out, nil
}
