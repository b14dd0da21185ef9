package validation

import (
	"strings"
	"testing"

	"github.com/KaiEkkrin/pinglingle/internal/errors"
)

func TestValidateHostName(t *testing.T) {
	rules := DefaultHostRules()

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "router1", false},
		{"fqdn", "www.example.net", false},
		{"trailing dot", "example.net.", false},
		{"underscore", "_srv.example.net", false},
		{"digits", "123.example", false},
		{"empty", "", true},
		{"just dot", ".", true},
		{"empty label", "a..b", true},
		{"leading hyphen", "-a.example", true},
		{"trailing hyphen", "a-.example", true},
		{"space", "a b", true},
		{"control char", "a\x00b", true},
		{"long label", strings.Repeat("a", 64) + ".example", true},
		{"long name", strings.Repeat("abcdefgh.", 29) + "example", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateHostName(tt.input, rules)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateHostName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errors.ErrInvalidAddress) {
				t.Errorf("error %v should wrap ErrInvalidAddress", err)
			}
		})
	}
}

func TestValidateHostNameUnderscores(t *testing.T) {
	rules := DefaultHostRules()
	rules.AllowUnders = false
	if err := ValidateHostName("my_host", rules); err == nil {
		t.Error("underscore should be rejected when not allowed")
	}
}

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		input string
		want  error
	}{
		{"192.0.2.1", nil},
		{"2001:db8::1", nil},
		{"example.net", nil},
		{"", errors.ErrMissingField},
		{" example.net", errors.ErrInvalidAddress},
		{"0.0.0.0", errors.ErrInvalidAddress},
		{"::", errors.ErrInvalidAddress},
		{"example.net:80", errors.ErrInvalidAddress},
		{"http://example.net", errors.ErrInvalidAddress},
		{"bad!name", errors.ErrInvalidAddress},
	}

	for _, tt := range tests {
		err := ValidateAddress(tt.input)
		if tt.want == nil {
			if err != nil {
				t.Errorf("ValidateAddress(%q) = %v, want nil", tt.input, err)
			}
			continue
		}
		if !errors.Is(err, tt.want) {
			t.Errorf("ValidateAddress(%q) = %v, want %v", tt.input, err, tt.want)
		}
	}
}

func TestIsIPLiteral(t *testing.T) {
	if !IsIPLiteral("192.0.2.1") || !IsIPLiteral("::1") {
		t.Error("IP literals not recognised")
	}
	if IsIPLiteral("example.net") {
		t.Error("host name reported as IP literal")
	}
}
