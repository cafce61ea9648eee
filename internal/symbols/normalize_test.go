package symbols

import "testing"

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "600519", want: "600519.SH"},
		{in: "SH600519", want: "600519.SH"},
		{in: "600519SH", want: "600519.SH"},
		{in: "sh600519", want: "600519.SH"},
		{in: "600519.SH", want: "600519.SH"},
		{in: "000001.SZ", want: "000001.SZ"},
		{in: "000001", want: "000001.SZ"},
		{in: "300750", want: "300750.SZ"},
		{in: "430047", want: "430047.BJ"},
		{in: "830799", want: "830799.BJ"},
		{in: "920002", want: "920002.BJ"},
		{in: "INVALID", wantErr: true},
		{in: "12345", wantErr: true},
		{in: "", wantErr: true},
		{in: "600 519", wantErr: true},
		{in: "100001", wantErr: true}, // leading 1 has no exchange
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, err := Normalize(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Normalize(%q)=%q, want error", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize(%q) error: %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("Normalize(%q)=%q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"600519", "sz000001", "430047.BJ"} {
		once, err := Normalize(in)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", in, err)
		}
		twice, err := Normalize(once)
		if err != nil {
			t.Fatalf("Normalize(Normalize(%q)): %v", in, err)
		}
		if once != twice {
			t.Fatalf("not idempotent: %q -> %q -> %q", in, once, twice)
		}
	}
}

func TestNormalizeAll(t *testing.T) {
	t.Parallel()

	valid, invalid := NormalizeAll([]string{"600519", "INVALID", "000001.SZ"})
	if len(valid) != 2 || valid[0] != "600519.SH" || valid[1] != "000001.SZ" {
		t.Fatalf("valid=%v", valid)
	}
	if len(invalid) != 1 || invalid[0] != "INVALID" {
		t.Fatalf("invalid=%v", invalid)
	}
}
