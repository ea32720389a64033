package utils

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
)

type JwtCustomClaim struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
	jwt.StandardClaims
}

func jwtSecret() ([]byte, error) {
	secret := strings.TrimSpace(os.Getenv("API_SECRET"))
	if secret == "" {
		return nil, errors.New("API_SECRET is not configured")
	}
	return []byte(secret), nil
}

// JwtGenerate issues an operator token for the sync-service endpoints.
// Used by cmd tooling; the service itself only validates.
func JwtGenerate(subject string, role string) (string, error) {
	secret, err := jwtSecret()
	if err != nil {
		return "", err
	}

	lifespanHours := 24
	if v := strings.TrimSpace(os.Getenv("TOKEN_HOUR_LIFESPAN")); v != "" {
		if n, convErr := strconv.Atoi(v); convErr == nil && n > 0 {
			lifespanHours = n
		}
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &JwtCustomClaim{
		Subject: subject,
		Role:    role,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: time.Now().Add(time.Hour * time.Duration(lifespanHours)).Unix(),
			IssuedAt:  time.Now().Unix(),
		},
	})

	return t.SignedString(secret)
}

func JwtValidate(token string) (*jwt.Token, error) {
	secret, err := jwtSecret()
	if err != nil {
		return nil, err
	}
	return jwt.ParseWithClaims(token, &JwtCustomClaim{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("there's a problem with the signing method")
		}
		return secret, nil
	})
}
