package version

import "testing"

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		v1   string
		v2   string
		want int
	}{
		{"equal semver", "1.2.3", "1.2.3", 0},
		{"lower patch", "1.2.3", "1.2.4", -1},
		{"higher major", "2.0.0", "1.9.9", 1},
		{"missing segment equals zero", "1.2", "1.2.0", 0},
		{"four segments", "6.5.1.2", "6.5.1.10", -1},
		{"four vs three segments", "6.5.1.2", "6.5.1", 1},
		{"leading v prefix", "v2.0.0", "1.5.0", 1},
		{"numeric beats suffix", "1.2.0", "1.2.rc1", 1},
		{"whitespace tolerated", " 1.5.0 ", "1.5.0", 0},
		{"ten is greater than nine", "1.10.0", "1.9.0", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compare(tt.v1, tt.v2); got != tt.want {
				t.Errorf("Compare(%q, %q) = %d, want %d", tt.v1, tt.v2, got, tt.want)
			}
			// Compare must be antisymmetric.
			if got := Compare(tt.v2, tt.v1); got != -tt.want {
				t.Errorf("Compare(%q, %q) = %d, want %d", tt.v2, tt.v1, got, -tt.want)
			}
		})
	}
}

func TestLess(t *testing.T) {
	if !Less("1.5.0", "2.0.0") {
		t.Error("Less(1.5.0, 2.0.0) = false, want true")
	}
	if Less("2.0.0", "2.0.0") {
		t.Error("Less(2.0.0, 2.0.0) = true, want false")
	}
	if Less("2.0.1", "2.0.0") {
		t.Error("Less(2.0.1, 2.0.0) = true, want false")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		version string
		wantErr bool
	}{
		{"valid semver", "1.2.3", false},
		{"four segments", "6.5.1.2", false},
		{"single number", "7", false},
		{"empty", "", true},
		{"whitespace only", "   ", true},
		{"no numeric segment", "beta", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.version)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%q) error = %v, wantErr %v", tt.version, err, tt.wantErr)
			}
		})
	}
}

func TestLatest(t *testing.T) {
	got := Latest([]string{"1.2.3", "garbage", "2.0.0", "1.9.9"})
	if got != "2.0.0" {
		t.Errorf("Latest = %q, want %q", got, "2.0.0")
	}
	if got := Latest(nil); got != "" {
		t.Errorf("Latest(nil) = %q, want empty", got)
	}
}
