// Token verification for socket connects. The gateway never issues tokens;
// it only checks the bearer credential handed over in the connect query and
// extracts the identity it carries.
package realtime

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// JWTVerifier returns a TokenVerifier that validates HMAC-signed JWTs with
// the given secret. The subject claim becomes the user ID; a name claim, when
// present, is carried along for display purposes.
func JWTVerifier(secret []byte) TokenVerifier {
	return func(ctx context.Context, token string) (*Identity, error) {
		parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return secret, nil
		})

		if err != nil || !parsed.Valid {
			return nil, unauthorized("gateway", "invalid token")
		}

		claims, ok := parsed.Claims.(jwt.MapClaims)
		if !ok {
			return nil, unauthorized("gateway", "invalid token claims")
		}

		subject, err := claims.GetSubject()
		if err != nil || subject == "" {
			return nil, unauthorized("gateway", "token has no subject")
		}

		identity := &Identity{UserID: subject}
		if name, ok := claims["name"].(string); ok {
			identity.Name = name
		}
		return identity, nil
	}
}
