package openid

import (
	"errors"
	"testing"
)

func TestParseKeyValueForm(t *testing.T) {
	values, err := parseKeyValueForm([]byte("ns:http://specs.openid.net/auth/2.0\nis_valid:true\n\nmac_key: abc=\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if values["ns"] != "http://specs.openid.net/auth/2.0" || values["is_valid"] != "true" || values["mac_key"] != "abc=" {
		t.Fatalf("unexpected values %#v", values)
	}
}

func TestParseKeyValueFormRejectsLinesWithoutSeparator(t *testing.T) {
	if _, err := parseKeyValueForm([]byte("is_valid:true\ngarbage\n")); !errors.Is(err, errKeyValueForm) {
		t.Fatalf("expected key-value form error, got %v", err)
	}
}

func TestEncodeKeyValueFormKeepsOrder(t *testing.T) {
	values := map[string]string{"mode": "id_res", "identity": "http://alice.example/"}
	encoded, err := encodeKeyValueForm([]string{"mode", "identity"}, func(key string) string { return values[key] })
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if encoded != "mode:id_res\nidentity:http://alice.example/\n" {
		t.Fatalf("unexpected encoding %q", encoded)
	}
	if _, err := encodeKeyValueForm([]string{"bad"}, func(string) string { return "a\nb" }); !errors.Is(err, errKeyValueForm) {
		t.Fatalf("expected newline in value to be rejected, got %v", err)
	}
}
