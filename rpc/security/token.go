package security

import (
	"fmt"
	"time"

	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// -----------------------------------------------------------
// Delegation token mechanism
// -----------------------------------------------------------

// MechDelegationToken identifies the delegation token mechanism in the
// handshake
const MechDelegationToken = "DIGEST-MD5"

// tokenMechanism authenticates short-lived delegation tokens. Tokens let a
// caller that already proved its identity once (e.g. a batch job spawned by
// an authenticated user) reconnect without a full realm login.
type tokenMechanism struct {
	verifier common.TokenVerifier
}

func newTokenMechanism(v common.TokenVerifier) *tokenMechanism {
	return &tokenMechanism{verifier: v}
}

func (m *tokenMechanism) Name() string { return MechDelegationToken }

func (m *tokenMechanism) Authenticate(token []byte) (string, error) {
	return m.verifier.VerifyToken(token)
}

// -----------------------------------------------------------
// JWT backed token verifier
// -----------------------------------------------------------

// jwtVerifier validates HMAC-signed tokens issued by IssueToken with the
// same shared secret
type jwtVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a TokenVerifier that accepts tokens signed with the
// given shared secret
func NewJWTVerifier(secret []byte) common.TokenVerifier {
	return &jwtVerifier{secret: secret}
}

func (v *jwtVerifier) VerifyToken(token []byte) (string, error) {
	tok, err := jwt.Parse(token,
		jwt.WithKey(jwa.HS256, v.secret),
		jwt.WithValidate(true),
	)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	principal := tok.Subject()
	if principal == "" {
		return "", fmt.Errorf("token carries no principal")
	}
	return principal, nil
}

// IssueToken creates a delegation token for the given principal, valid for
// the given lifetime and signed with the shared secret
func IssueToken(secret []byte, principal string, lifetime time.Duration) ([]byte, error) {
	tok, err := jwt.NewBuilder().
		Subject(principal).
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(lifetime)).
		Build()
	if err != nil {
		return nil, fmt.Errorf("building token: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, secret))
	if err != nil {
		return nil, fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}
