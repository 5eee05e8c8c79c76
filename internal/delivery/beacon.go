package delivery

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// beaconTokenTTL keeps signed beacon parameters short-lived; a leaked URL
// stops authenticating quickly.
const beaconTokenTTL = 2 * time.Minute

// beaconToken signs the API key into a short-lived HS256 token. The beacon
// transport cannot set auth headers, so this token is the api_key query
// parameter the collector verifies.
func (c *Client) beaconToken() (string, error) {
	now := c.now()
	claims := jwt.MapClaims{
		"api_key": c.apiKey,
		"iat":     jwt.NewNumericDate(now),
		"exp":     jwt.NewNumericDate(now.Add(beaconTokenTTL)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(c.signKey)
}
