package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var (
	ErrInvalidToken = errors.New("invalid token")
)

// Claims binds a rejoin token to one player of one session.
type Claims struct {
	SessionID uuid.UUID `json:"session_id"`
	PlayerID  uuid.UUID `json:"player_id"`
	jwt.RegisteredClaims
}

// JWTService issues and validates player rejoin tokens.
type JWTService struct {
	secret      []byte
	expireHours int
	clock       clockwork.Clock
}

// NewJWTService creates a JWT service.
func NewJWTService(secret string, expireHours int) *JWTService {
	return &JWTService{
		secret:      []byte(secret),
		expireHours: expireHours,
		clock:       clockwork.NewRealClock(),
	}
}

// WithClock swaps the time source, used by tests.
func (s *JWTService) WithClock(clock clockwork.Clock) *JWTService {
	s.clock = clock
	return s
}

// Generate signs a token that lets playerID reclaim its seat in sessionID.
func (s *JWTService) Generate(sessionID, playerID uuid.UUID) (string, error) {
	now := s.clock.Now()
	claims := Claims{
		SessionID: sessionID,
		PlayerID:  playerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   playerID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(s.expireHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and validates a JWT, returning claims or error.
func (s *JWTService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.clock.Now))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateFor validates the token and checks it belongs to sessionID.
func (s *JWTService) ValidateFor(tokenString string, sessionID uuid.UUID) (*Claims, error) {
	claims, err := s.Validate(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.SessionID != sessionID {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
