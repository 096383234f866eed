package openid

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/library/internal/associations"
)

const (
	AssocTypeHMACSHA1   = "HMAC-SHA1"
	AssocTypeHMACSHA256 = "HMAC-SHA256"
)

func hashFor(assocType string) (func() hash.Hash, error) {
	switch assocType {
	case AssocTypeHMACSHA1:
		return sha1.New, nil
	case AssocTypeHMACSHA256:
		return sha256.New, nil
	default:
		return nil, fmt.Errorf("openid: unsupported association type %q", assocType)
	}
}

// signedFields splits openid.signed into bare field names.
func signedFields(query url.Values) []string {
	raw := query.Get("openid.signed")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// Sign computes the base64 signature of the listed fields under the
// association secret.
func Sign(association associations.Association, query url.Values, fields []string) (string, error) {
	newHash, err := hashFor(association.AssocType)
	if err != nil {
		return "", err
	}
	message, err := encodeKeyValueForm(fields, func(key string) string {
		return query.Get("openid." + key)
	})
	if err != nil {
		return "", err
	}
	mac := hmac.New(newHash, association.Secret)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func verifySignature(association associations.Association, query url.Values) (bool, error) {
	expected, err := Sign(association, query, signedFields(query))
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(expected), []byte(query.Get("openid.sig"))), nil
}
