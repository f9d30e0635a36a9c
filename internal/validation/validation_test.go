package validation

import (
	"strings"
	"testing"
)

func TestIsValidPrincipal(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"alice", true},
		{"bob-2", true},
		{"studio.north", true},
		{"a", true},
		{"0xdeadbeef", true},

		// Invalid cases
		{"", false},
		{"Alice", false},       // uppercase
		{"-leading", false},    // separator first
		{"has space", false},   // whitespace
		{"semi;colon", false},  // punctuation
		{strings.Repeat("a", 70), false}, // too long
	}

	for _, tc := range tests {
		if got := IsValidPrincipal(tc.name); got != tc.valid {
			t.Errorf("IsValidPrincipal(%q) = %v, want %v", tc.name, got, tc.valid)
		}
	}
}

func TestIsValidRef(t *testing.T) {
	tests := []struct {
		ref   string
		valid bool
	}{
		{"dep_0001", true},
		{"xfer-abc123", true},
		{"lst_9f2a", true},

		{"", false},
		{"has space", false},
		{"semi;colon", false},
	}

	for _, tc := range tests {
		if got := IsValidRef(tc.ref); got != tc.valid {
			t.Errorf("IsValidRef(%q) = %v, want %v", tc.ref, got, tc.valid)
		}
	}
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		amount string
		valid  bool
	}{
		{"10", true},
		{"10.5", true},
		{"0.000001", true},
		{"", true}, // empty passes; pair with Required

		{"0", false},
		{"0.000000", false},
		{"-5", false},
		{"1.2.3", false},
		{".5", false},
		{"5.", false},
		{"abc", false},
	}

	for _, tc := range tests {
		err := ValidAmount("amount", tc.amount)()
		if tc.valid && err != nil {
			t.Errorf("ValidAmount(%q) = %v, want nil", tc.amount, err)
		}
		if !tc.valid && err == nil {
			t.Errorf("ValidAmount(%q) = nil, want error", tc.amount)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  hello\x00world  ", 100); got != "helloworld" {
		t.Errorf("Expected helloworld, got %q", got)
	}
	if got := SanitizeString("abcdef", 3); got != "abc" {
		t.Errorf("Expected abc, got %q", got)
	}
}

func TestSanitizePrincipal(t *testing.T) {
	if got := SanitizePrincipal("  Alice "); got != "alice" {
		t.Errorf("Expected alice, got %q", got)
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	errs := Validate(
		Required("seller", ""),
		ValidPrincipal("buyer", "NOT VALID"),
		ValidAmount("amount", "abc"),
	)
	if len(errs) != 3 {
		t.Fatalf("Expected 3 errors, got %d: %v", len(errs), errs)
	}
	if errs.Error() == "" {
		t.Error("Expected non-empty error string")
	}
}

func TestValidate_NoErrors(t *testing.T) {
	errs := Validate(
		Required("seller", "alice"),
		ValidPrincipal("seller", "alice"),
		ValidAmount("amount", "10.50"),
	)
	if len(errs) != 0 {
		t.Errorf("Expected no errors, got %v", errs)
	}
}
