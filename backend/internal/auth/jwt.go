package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"collabHub/backend/internal/errcode"
)

const (
	TokenAccess  = "access"
	TokenRefresh = "refresh"

	RoleAdmin = "admin"
	RoleUser  = "user"
)

type Claims struct {
	UserID   uint64 `json:"sub"`
	Username string `json:"username"`
	Role     string `json:"role,omitempty"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

// User 通过鉴权之后的当前用户
type User struct {
	ID       uint64 `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role,omitempty"`
}

func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

// Signer 持有 HS256 密钥，签发由 auth-service 负责，这里主要用于测试和运维脚本
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	if secret == "" {
		secret = "dev-secret"
	}
	return &Signer{secret: []byte(secret)}
}

func (s *Signer) SignAccessToken(u User, ttl time.Duration) (string, time.Time, error) {
	return s.sign(u, TokenAccess, ttl)
}

func (s *Signer) SignRefreshToken(u User, ttl time.Duration) (string, time.Time, error) {
	return s.sign(u, TokenRefresh, ttl)
}

func (s *Signer) sign(u User, typ string, ttl time.Duration) (string, time.Time, error) {
	exp := time.Now().Add(ttl)
	claims := &Claims{
		UserID:   u.ID,
		Username: u.Username,
		Role:     u.Role,
		Type:     typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// ParseToken 解析任意 token（访问/刷新），返回 Claims
func (s *Signer) ParseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errcode.ErrUnauthorized, err)
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, fmt.Errorf("%w: %v", errcode.ErrUnauthorized, jwt.ErrTokenInvalidClaims)
}

var ErrNotAccessToken = errors.New("access token required")

// VerifyAccess 只接受访问 token
func (s *Signer) VerifyAccess(tokenString string) (User, error) {
	claims, err := s.ParseToken(tokenString)
	if err != nil {
		return User{}, err
	}
	if claims.Type != "" && claims.Type != TokenAccess {
		return User{}, fmt.Errorf("%w: %v", errcode.ErrUnauthorized, ErrNotAccessToken)
	}
	if claims.UserID == 0 {
		return User{}, fmt.Errorf("%w: missing subject", errcode.ErrUnauthorized)
	}
	return User{ID: claims.UserID, Username: claims.Username, Role: claims.Role}, nil
}
