package ws

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/EthanQC/presence/internal/domain/errs"
)

// IdentityVerifier 握手阶段确定连接所属用户，在进入在线状态用例之前执行
type IdentityVerifier interface {
	Verify(r *http.Request) (userID string, err error)
}

// QueryIdentity 直接信任 query 里的用户 ID，不做任何校验
type QueryIdentity struct {
	Param string
}

func NewQueryIdentity(param string) *QueryIdentity {
	if param == "" {
		param = "userId"
	}
	return &QueryIdentity{Param: param}
}

func (q *QueryIdentity) Verify(r *http.Request) (string, error) {
	userID := strings.TrimSpace(r.URL.Query().Get(q.Param))
	if userID == "" {
		return "", errs.ErrMalformedHandshake
	}
	return userID, nil
}

// JWTIdentity 用 HMAC 签名的 JWT 确认身份，sub 即用户 ID
type JWTIdentity struct {
	secret []byte
	issuer string
}

func NewJWTIdentity(secret, issuer string) *JWTIdentity {
	return &JWTIdentity{secret: []byte(secret), issuer: issuer}
}

func (j *JWTIdentity) Verify(r *http.Request) (string, error) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			raw = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if raw == "" {
		return "", errs.ErrMalformedHandshake
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}

	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return j.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errs.ErrIdentityRejected, err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: missing subject", errs.ErrIdentityRejected)
	}
	return sub, nil
}
