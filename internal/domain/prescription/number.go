package prescription

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"
)

// numberAttempts bounds retries when a generated number collides.
const numberAttempts = 3

// NumberFunc generates a prescription number for the given time.
type NumberFunc func(now time.Time) (string, error)

// NewNumber returns RX + YYYYMMDD + "-" + six uppercase hex characters.
func NewNumber(now time.Time) (string, error) {
	return numberFrom(now, rand.Reader)
}

func numberFrom(now time.Time, r io.Reader) (string, error) {
	var b [3]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return "", fmt.Errorf("generate prescription number: %w", err)
	}
	return "RX" + now.Format("20060102") + "-" + strings.ToUpper(hex.EncodeToString(b[:])), nil
}
