package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultDeviceTokenTTL = 365 * 24 * time.Hour
	DeviceTokenIssuerName = "tally-api"
	DeviceTokenAudience   = "tally-hardware"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingDeviceID      = errors.New("device id must be provided")
)

// DeviceTokenConfig configures the hardware token issuer.
type DeviceTokenConfig struct {
	SigningSecret []byte
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// DeviceTokenIssuer mints and verifies HS256 tokens presented by the hardware controller
// when it opens its websocket.
type DeviceTokenIssuer struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

// NewDeviceTokenIssuer constructs an issuer. A missing secret is an error.
func NewDeviceTokenIssuer(cfg DeviceTokenConfig) (*DeviceTokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultDeviceTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &DeviceTokenIssuer{
		secret: cfg.SigningSecret,
		ttl:    ttl,
		clock:  clock,
	}, nil
}

// Issue produces a signed token for deviceID and its expiry time.
func (i *DeviceTokenIssuer) Issue(deviceID string) (string, time.Time, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return "", time.Time{}, errMissingDeviceID
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)

	registered := jwt.RegisteredClaims{
		Subject:   deviceID,
		Issuer:    DeviceTokenIssuerName,
		Audience:  []string{DeviceTokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Validate verifies the token and returns the device id it was issued to.
func (i *DeviceTokenIssuer) Validate(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.secret, nil
		},
		jwt.WithAudience(DeviceTokenAudience),
		jwt.WithIssuer(DeviceTokenIssuerName),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errMissingDeviceID
	}
	return claims.Subject, nil
}
