package httpserver

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const claimsContextKey = "auth_claims"

// SessionClaims is the signed cookie payload identifying an affiliate.
type SessionClaims struct {
	AffiliateID string `json:"affiliate_id"`
	jwt.RegisteredClaims
}

type sessionValidator struct {
	signingKey []byte
	issuer     string
	cookieName string
}

func newSessionValidator(signingKey []byte, issuer string, cookieName string) *sessionValidator {
	return &sessionValidator{
		signingKey: signingKey,
		issuer:     issuer,
		cookieName: cookieName,
	}
}

// middleware parses and verifies the session cookie, then stashes the claims
// on the gin context for handlers.
func (validator *sessionValidator) middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		rawToken, err := ctx.Cookie(validator.cookieName)
		if err != nil || rawToken == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		claims := &SessionClaims{}
		token, err := jwt.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return validator.signingKey, nil
		}, jwt.WithIssuer(validator.issuer), jwt.WithExpirationRequired())
		if err != nil || !token.Valid || claims.AffiliateID == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session"))
			return
		}
		ctx.Set(claimsContextKey, claims)
		ctx.Next()
	}
}

func getClaims(ctx *gin.Context) *SessionClaims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*SessionClaims)
	return claims
}
