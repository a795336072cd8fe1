package sanitize

import (
	"errors"
	"strings"
	"testing"
)

func TestInput(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "  hello world  ", "hello world"},
		{"script block", `hi<script type="text/javascript">alert(1)</script>there`, "hithere"},
		{"script mixed case", "<SCRIPT>x</ScRiPt>ok", "ok"},
		{"tags", "<b>bold</b>", "bold"},
		{"sql keywords", "1 UNION SELECT password", "1   password"},
		{"escapes", `a & b "c" 'd' e/f`, "a &amp; b &quot;c&quot; &#x27;d&#x27; e&#x2F;f"},
		{"dangling bracket", "1 < 2", "1 &lt; 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Input(tt.in); got != tt.want {
				t.Errorf("Input(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestContainsInjectionPattern(t *testing.T) {
	for _, s := range []string{"1 OR 1=1; DROP TABLE users", "union all", "Exec sp_who"} {
		if !ContainsInjectionPattern(s) {
			t.Errorf("ContainsInjectionPattern(%q) = false, want true", s)
		}
	}
	for _, s := range []string{"", "notebook", "page=2"} {
		if ContainsInjectionPattern(s) {
			t.Errorf("ContainsInjectionPattern(%q) = true, want false", s)
		}
	}
}

func TestContainsScriptAndHTML(t *testing.T) {
	if !ContainsScript("<script>alert(1)</script>") {
		t.Error("expected script detection")
	}
	if ContainsScript("<scrip>") {
		t.Error("unexpected script detection")
	}
	if !ContainsHTML("<img src=x>") || ContainsHTML("a > b") {
		t.Error("unexpected HTML detection result")
	}
}

func TestEmail(t *testing.T) {
	got, err := Email("  john.doe+xp@mail.com.br ")
	if err != nil {
		t.Fatalf("Email: %v", err)
	}
	if got != "john.doe+xp@mail.com.br" {
		t.Errorf("Email = %q", got)
	}

	for _, bad := range []string{"no-at-sign", "a@b", "<script>x</script>"} {
		if _, err := Email(bad); !errors.Is(err, ErrSanitization) {
			t.Errorf("Email(%q) err = %v, want ErrSanitization", bad, err)
		}
	}
}

func TestUsername(t *testing.T) {
	got, err := Username("jo ão_99!")
	if err != nil {
		t.Fatalf("Username: %v", err)
	}
	if got != "joo_99" {
		t.Errorf("Username = %q, want joo_99", got)
	}

	for _, bad := range []string{"ab", "!!!a!", strings.Repeat("x", 51)} {
		if _, err := Username(bad); !errors.Is(err, ErrSanitization) {
			t.Errorf("Username(%q) err = %v, want ErrSanitization", bad, err)
		}
	}
}
