package testutil

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ridepool/internal/ride/domain"
)

// IssueToken signs an HS256 bearer token for p in the shape auth.Middleware
// accepts: the user id as subject plus a role claim.
func IssueToken(t *testing.T, secret string, p domain.Principal, ttl time.Duration) string {
	t.Helper()
	now := time.Now()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  p.ID.String(),
		"role": string(p.Role),
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("testutil.IssueToken: %v", err)
	}
	return token
}
