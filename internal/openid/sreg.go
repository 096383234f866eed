package openid

import (
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/library/internal/users"
)

const (
	sregNamespace   = "http://openid.net/extensions/sreg/1.1"
	sregAlias       = "sreg"
	sregOptionalSet = "nickname,fullname,email"
)

func addRegistrationRequest(args url.Values) {
	args.Set("openid.ns."+sregAlias, sregNamespace)
	args.Set("openid.sreg.optional", sregOptionalSet)
}

// registrationProfile extracts signed simple-registration values. Unsigned
// values are ignored.
func registrationProfile(query url.Values) users.Profile {
	alias := ""
	for key, values := range query {
		if strings.HasPrefix(key, "openid.ns.") && len(values) > 0 && values[0] == sregNamespace {
			alias = strings.TrimPrefix(key, "openid.ns.")
			break
		}
	}
	if alias == "" {
		return users.Profile{}
	}
	signed := make(map[string]struct{})
	for _, field := range signedFields(query) {
		signed[field] = struct{}{}
	}
	lookup := func(name string) *string {
		field := alias + "." + name
		if _, ok := signed[field]; !ok {
			return nil
		}
		values, ok := query["openid."+field]
		if !ok || len(values) == 0 {
			return nil
		}
		value := values[0]
		return &value
	}
	return users.Profile{
		Nickname: lookup("nickname"),
		Email:    lookup("email"),
	}
}
