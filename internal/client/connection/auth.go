package connection

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"google.golang.org/grpc/metadata"
)

const authorizationHeader = "authorization"

// tokenValidity bounds how long a captured token can be replayed.
const tokenValidity = time.Minute

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrUnknownDevice = errors.New("unknown device")
	ErrRevokedDevice = errors.New("revoked device")
)

// Claims identifies the calling device.
type Claims struct {
	jwt.RegisteredClaims
}

// GenerateToken signs a short lived token for deviceID.
func GenerateToken(deviceID uuid.UUID, sk cryptox.SigningKey, now time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenValidity)),
		},
	})
	return token.SignedString(sk)
}

// DeviceKeyLookup returns the verify key of a device, ErrUnknownDevice or
// ErrRevokedDevice.
type DeviceKeyLookup func(deviceID uuid.UUID) (cryptox.VerifyKey, error)

// ParseToken checks the signature of tokenString against the key of the
// device it claims to come from and returns that device.
func ParseToken(tokenString string, lookup DeviceKeyLookup) (uuid.UUID, error) {
	claims := &Claims{}
	var deviceID uuid.UUID

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		id, err := uuid.Parse(claims.Subject)
		if err != nil {
			return nil, ErrInvalidToken
		}
		vk, err := lookup(id)
		if err != nil {
			return nil, err
		}
		deviceID = id
		return vk, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return uuid.Nil, err
	}
	if !token.Valid {
		return uuid.Nil, ErrInvalidToken
	}
	return deviceID, nil
}

func withToken(ctx context.Context, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	md.Set(authorizationHeader, "Bearer "+token)
	return metadata.NewOutgoingContext(ctx, md)
}

func tokenFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(authorizationHeader)
	if len(values) == 0 {
		return ""
	}
	return strings.TrimPrefix(values[0], "Bearer ")
}

type ctxKey string

const deviceIDKey ctxKey = "deviceID"

// DeviceFromContext returns the authenticated device of a server call.
func DeviceFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(deviceIDKey).(uuid.UUID)
	return id, ok
}
