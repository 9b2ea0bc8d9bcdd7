package validation

import (
	"testing"

	"github.com/ddcrlabs/paygate-system/internal/ledger"
)

func TestIsValidPrincipal(t *testing.T) {
	valid := ledger.EncodePrincipal([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 2})

	tests := []struct {
		name      string
		principal string
		want      bool
	}{
		{"valid", valid, true},
		{"empty", "", false},
		{"garbage", "not-a-principal!", false},
		{"wrong checksum", "aaaaa-aaaaa-aaaaa", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidPrincipal(tt.principal); got != tt.want {
				t.Errorf("IsValidPrincipal(%q) = %v, want %v", tt.principal, got, tt.want)
			}
		})
	}
}

func TestIsValidPayerPrincipal(t *testing.T) {
	long := make([]byte, maxPayerPrincipalLen+1)
	for i := range long {
		long[i] = 'a'
	}

	tests := []struct {
		name      string
		principal string
		want      bool
	}{
		{"opaque game id", "abc", true},
		{"encoded principal", ledger.EncodePrincipal([]byte{1, 2, 3, 4, 2}), true},
		{"empty", "", false},
		{"too long", string(long), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidPayerPrincipal(tt.principal); got != tt.want {
				t.Errorf("IsValidPayerPrincipal(%q) = %v, want %v", tt.principal, got, tt.want)
			}
		})
	}
}

func TestIsValidSubAccountKey(t *testing.T) {
	valid := ledger.SubAccountKey(ledger.SubAccountFromID(10))

	tests := []struct {
		name string
		key  string
		want bool
	}{
		{"valid", valid, true},
		{"empty", "", false},
		{"short", "1,2,3", false},
		{"too long", valid + ",0", false},
		{"out of range", "999," + valid[len("0,"):], false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidSubAccountKey(tt.key); got != tt.want {
				t.Errorf("IsValidSubAccountKey(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}
