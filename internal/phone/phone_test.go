package phone

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"already canonical", "966512345678", "966512345678", false},
		{"plus prefix", "+966512345678", "966512345678", false},
		{"double zero prefix", "00966512345678", "966512345678", false},
		{"local with leading zero", "0512345678", "966512345678", false},
		{"local without leading zero", "512345678", "966512345678", false},
		{"spaces and dashes", "+966 51-234-5678", "966512345678", false},
		{"landline rejected", "966112345678", "", true},
		{"too short", "96651234", "", true},
		{"too long", "9665123456789", "", true},
		{"letters", "9665abc45678", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Normalize(%q) = %q, want error", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestValidateNationalID(t *testing.T) {
	if err := ValidateNationalID("1234567890"); err != nil {
		t.Fatalf("valid national id rejected: %v", err)
	}
	for _, bad := range []string{"", "123456789", "12345678901", "12345abc90", "12345 6789"} {
		if err := ValidateNationalID(bad); err == nil {
			t.Fatalf("ValidateNationalID(%q) = nil, want error", bad)
		}
	}
}
