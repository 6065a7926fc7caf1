package coupon

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/go-faster/errors"
)

const (
	giftCodePrefix = "GIFT"
	giftCodeLength = 8
	codeAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// GenerateCode returns a gift coupon code: the GIFT prefix followed by eight
// characters drawn uniformly from an uppercase alphanumeric alphabet.
func GenerateCode() (string, error) {
	var b strings.Builder
	b.Grow(len(giftCodePrefix) + giftCodeLength)
	b.WriteString(giftCodePrefix)

	limit := big.NewInt(int64(len(codeAlphabet)))
	for range giftCodeLength {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", errors.Wrap(err, "read random")
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}
