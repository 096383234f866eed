package openid

import (
	"errors"
	"fmt"
	"strings"
)

var errKeyValueForm = errors.New("openid: invalid key-value form")

// parseKeyValueForm reads newline separated "key:value" pairs as returned by
// direct provider requests.
func parseKeyValueForm(body []byte) (map[string]string, error) {
	values := make(map[string]string)
	for index, line := range strings.Split(string(body), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("%w: line %d has no separator", errKeyValueForm, index+1)
		}
		values[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return values, nil
}

// encodeKeyValueForm writes pairs in the given key order. It backs signature
// computation, so no normalization is applied.
func encodeKeyValueForm(keys []string, lookup func(string) string) (string, error) {
	var builder strings.Builder
	for _, key := range keys {
		value := lookup(key)
		if strings.ContainsAny(key, ":\n") || strings.Contains(value, "\n") {
			return "", fmt.Errorf("%w: field %q cannot be encoded", errKeyValueForm, key)
		}
		builder.WriteString(key)
		builder.WriteByte(':')
		builder.WriteString(value)
		builder.WriteByte('\n')
	}
	return builder.String(), nil
}
