package ledger

import "testing"

func TestParseUSDMicros(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"0.1000", 100000, false},
		{"1", 1000000, false},
		{"1.5", 1500000, false},
		{"0.0001", 100, false},
		{"123.4567", 123456700, false},
		{"", 0, true},
		{"-1.00", 0, true},
		{"1.23456", 0, true},
		{"abc", 0, true},
		{"1.2a", 0, true},
		{".5", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseUSDMicros(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseUSDMicros(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseUSDMicros(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestFormatUSDMicrosRoundTrip(t *testing.T) {
	for _, s := range []string{"0.1000", "1.0000", "123.4567", "0.0001"} {
		micros, err := ParseUSDMicros(s)
		if err != nil {
			t.Fatalf("ParseUSDMicros(%q): %v", s, err)
		}
		if got := FormatUSDMicros(micros); got != s {
			t.Errorf("FormatUSDMicros(%d) = %q, want %q", micros, got, s)
		}
	}
}
