package analyze

import "testing"

func TestParseFilterExpr_invalid(t *testing.T) {
	for _, expr := range []string{
		"",
		"name ~= \"foo\"",
		"name =~",
		"percentage > ",
	} {
		if _, err := ParseFilterExpr(expr); err == nil {
			t.Errorf("ParseFilterExpr(%q) expected error, got nil", expr)
		}
	}
}

func TestFilterExpr_Matches_stringFields(t *testing.T) {
	h := Hotspot{Name: "memcpy", File: "libc.so.6"}

	tests := []struct {
		expr string
		want bool
	}{
		{`name == "memcpy"`, true},
		{`name == "other"`, false},
		{`name =~ "^mem"`, true},
		{`name =~ "^xyz"`, false},
		{`file =~ "libc"`, true},
	}
	for _, test := range tests {
		fe, err := ParseFilterExpr(test.expr)
		if err != nil {
			t.Fatalf("ParseFilterExpr(%q): %v", test.expr, err)
		}
		got, err := fe.Matches(h)
		if err != nil {
			t.Fatalf("Matches(%q): %v", test.expr, err)
		}
		if got != test.want {
			t.Errorf("Matches(%q) = %v, want %v", test.expr, got, test.want)
		}
	}
}

func TestFilterExpr_Matches_numericFieldsAndLogic(t *testing.T) {
	h := Hotspot{Name: "hot_loop", Percentage: 12.5, Self: 3, Total: 12.5, Samples: 400}

	tests := []struct {
		expr string
		want bool
	}{
		{"percentage > 5", true},
		{"percentage > 50", false},
		{"percentage >= 12.5", true},
		{"samples < 100", false},
		{`percentage > 5 && name =~ "hot"`, true},
		{`percentage > 5 && name =~ "cold"`, false},
		{`percentage > 50 || name =~ "hot"`, true},
		{`(percentage > 50 || samples > 100) && self < 10`, true},
	}
	for _, test := range tests {
		fe, err := ParseFilterExpr(test.expr)
		if err != nil {
			t.Fatalf("ParseFilterExpr(%q): %v", test.expr, err)
		}
		got, err := fe.Matches(h)
		if err != nil {
			t.Fatalf("Matches(%q): %v", test.expr, err)
		}
		if got != test.want {
			t.Errorf("Matches(%q) = %v, want %v", test.expr, got, test.want)
		}
	}
}

func TestFilterExpr_Matches_unknownField(t *testing.T) {
	fe, err := ParseFilterExpr(`bogus == "x"`)
	if err != nil {
		t.Fatalf("ParseFilterExpr: %v", err)
	}
	if _, err := fe.Matches(Hotspot{}); err == nil {
		t.Error("Matches with unknown field expected error, got nil")
	}
}
