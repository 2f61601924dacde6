package aster

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"time"
)

// sign computes the HMAC-SHA256 signature over the encoded query string.
// url.Values.Encode sorts keys, so the signed payload is stable for a
// given parameter set.
func sign(params url.Values, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(params.Encode()))
	return hex.EncodeToString(mac.Sum(nil))
}

func timestamp() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}
