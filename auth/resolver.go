package auth

import (
	"chat-relay/contract"
	"chat-relay/errors"
	"net/http"
	"strings"
)

// SessionCookie is the cookie browsers carry the token in.
const SessionCookie = "session"

var _ contract.IdentityResolver = (*Resolver)(nil)

// Resolver resolves a request to the identity carried by its token.
type Resolver struct {
	secret []byte
}

func NewResolver(secret []byte) *Resolver {
	return &Resolver{secret: secret}
}

// Resolve looks for the token in the "token" query parameter, then the Authorization header,
// then the session cookie. Browsers cannot set headers on a websocket handshake, hence the query parameter.
func (r *Resolver) Resolve(req *http.Request) (string, error) {
	tokenStr := extractToken(req)
	if tokenStr == "" {
		return "", errors.ErrUnauthorized
	}
	claims, err := ValidateToken(r.secret, tokenStr)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

func extractToken(req *http.Request) string {
	if token := req.URL.Query().Get("token"); token != "" {
		return token
	}
	if header := req.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	if cookie, err := req.Cookie(SessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}
