package auth

import (
	"errors"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/luciancaetano/platnet"
)

// JWTOptions controls signature verification for JWT api keys.
type JWTOptions struct {
	Secret []byte // HMAC key
	Leeway time.Duration
}

// JWTAuthenticator returns an (auth, extract) pair that treats the connect
// time api key as a signed HS256/384/512 token. The auth predicate accepts
// tokens with a valid signature and expiry; the extractor uses the token's
// sub claim as the user id, so every key signed for the same subject lands on
// the same registry bucket.
func JWTAuthenticator(opts JWTOptions) (AuthFunc, ExtractUserFunc) {
	parse := func(token string) (jwtlib.MapClaims, error) {
		parserOpts := []jwtlib.ParserOption{jwtlib.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
		if opts.Leeway > 0 {
			parserOpts = append(parserOpts, jwtlib.WithLeeway(opts.Leeway))
		}
		parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
			}
			return opts.Secret, nil
		}, parserOpts...)
		if err != nil {
			return nil, err
		}
		claims, ok := parsed.Claims.(jwtlib.MapClaims)
		if !ok {
			return nil, errors.New("claims type mismatch")
		}
		return claims, nil
	}

	authFn := func(metadata platnet.Metadata) bool {
		if metadata.APIKey == "" {
			return false
		}
		_, err := parse(metadata.APIKey)
		return err == nil
	}

	extractFn := func(metadata platnet.Metadata) (string, error) {
		claims, err := parse(metadata.APIKey)
		if err != nil {
			return "", err
		}
		sub, err := claims.GetSubject()
		if err != nil || sub == "" {
			return "", errors.New("token has no subject")
		}
		return sub, nil
	}

	return authFn, extractFn
}

// SignUserToken mints an HS256 token for the given user id, usable as an api
// key against a server configured with JWTAuthenticator.
func SignUserToken(secret []byte, userID string, ttl time.Duration) (string, error) {
	if ttl == 0 {
		ttl = 2 * time.Hour
	}
	now := time.Now()
	claims := jwtlib.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(secret)
}
