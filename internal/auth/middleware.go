package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// HistoryScope grants read access to stored grading results and metrics.
const HistoryScope = "grading:history"

var (
	ErrNotConfigured = errors.New("history access is not configured")
	ErrBadHeader     = errors.New("bearer token required")
	ErrInvalidToken  = errors.New("invalid token")
)

// Claims are the token claims accepted on history routes. Scope is a
// space-separated list.
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// HasScope reports whether scope is one of the granted scopes.
func (c *Claims) HasScope(scope string) bool {
	for _, granted := range strings.Fields(c.Scope) {
		if granted == scope {
			return true
		}
	}
	return false
}

// Operator is the authenticated caller of a history route.
type Operator struct {
	Subject string
	Scopes  []string
}

type operatorKey struct{}

// WithOperator returns a copy of ctx carrying op.
func WithOperator(ctx context.Context, op Operator) context.Context {
	return context.WithValue(ctx, operatorKey{}, op)
}

// OperatorFrom returns the operator stored by the history middleware.
func OperatorFrom(ctx context.Context) (Operator, bool) {
	if ctx == nil {
		return Operator{}, false
	}
	op, ok := ctx.Value(operatorKey{}).(Operator)
	return op, ok && op.Subject != ""
}

// Verifier checks HMAC-signed history tokens.
type Verifier struct {
	key    []byte
	parser *jwt.Parser
}

// NewVerifier builds a verifier. An empty secret rejects every token; an
// empty audience skips the audience check.
func NewVerifier(secret, audience string) *Verifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if audience = strings.TrimSpace(audience); audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &Verifier{
		key:    []byte(strings.TrimSpace(secret)),
		parser: jwt.NewParser(opts...),
	}
}

// Verify parses token and returns its claims. Tokens without a subject
// are rejected.
func (v *Verifier) Verify(token string) (*Claims, error) {
	if len(v.key) == 0 {
		return nil, ErrNotConfigured
	}
	claims := &Claims{}
	if _, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

// Require authenticates the bearer token and demands scope. Token problems
// answer 401; a valid token without the scope answers 403.
func (v *Verifier) Require(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c.GetHeader("Authorization"))
		if err == nil {
			var claims *Claims
			if claims, err = v.Verify(token); err == nil {
				if !claims.HasScope(scope) {
					c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "token lacks " + scope + " scope"})
					return
				}
				op := Operator{Subject: claims.Subject, Scopes: strings.Fields(claims.Scope)}
				c.Request = c.Request.WithContext(WithOperator(c.Request.Context(), op))
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": rejection(err)})
	}
}

// HistoryAccess guards the history routes with HistoryScope.
func HistoryAccess(secret, audience string) gin.HandlerFunc {
	return NewVerifier(secret, audience).Require(HistoryScope)
}

func bearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrBadHeader
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", ErrBadHeader
	}
	return token, nil
}

// rejection keeps parser detail out of responses.
func rejection(err error) string {
	switch {
	case errors.Is(err, ErrNotConfigured), errors.Is(err, ErrBadHeader):
		return err.Error()
	default:
		return ErrInvalidToken.Error()
	}
}
