package tgui

import "testing"

func TestDataAndSplit(t *testing.T) {
	cases := []struct {
		scope, action, payload string
		want                   string
	}{
		{"gate", "verify", "", "gate:verify"},
		{"gate", "verify", "Az09Az09Az09Az09", "gate:verify:Az09Az09Az09Az09"},
		{" gate ", "verify", "", "gate:verify"},
	}
	for _, c := range cases {
		got := Data(c.scope, c.action, c.payload)
		if got != c.want {
			t.Fatalf("Data(%q,%q,%q) = %q, want %q", c.scope, c.action, c.payload, got, c.want)
		}
		scope, action, payload := Split(got)
		if scope != "gate" || action != "verify" || payload != c.payload {
			t.Fatalf("Split(%q) = %q,%q,%q", got, scope, action, payload)
		}
	}
}

func TestSplitPayloadKeepsColons(t *testing.T) {
	scope, action, payload := Split("gate:verify:a:b:c")
	if scope != "gate" || action != "verify" || payload != "a:b:c" {
		t.Fatalf("got %q,%q,%q", scope, action, payload)
	}
}

func TestEscaping(t *testing.T) {
	if got := Esc("<&>").String(); got != "&lt;&amp;&gt;" {
		t.Fatalf("Esc: %q", got)
	}
	if got := B("a<b").String(); got != "<b>a&lt;b</b>" {
		t.Fatalf("B: %q", got)
	}
	if got := Code("x&y").String(); got != "<code>x&amp;y</code>" {
		t.Fatalf("Code: %q", got)
	}
}

func TestJoinHSkipsBlanks(t *testing.T) {
	got := JoinH("\n", B("a"), Raw(""), Esc("b")).String()
	if got != "<b>a</b>\nb" {
		t.Fatalf("JoinH: %q", got)
	}
}

func TestInlineBuilder(t *testing.T) {
	kb := NewInline().
		Row(URLBtn("Join", "https://t.me/x")).
		Row(Btn("Verify", Data("gate", "verify", "")))
	rm := kb.Markup()
	if rm == nil || len(rm.InlineKeyboard) != 2 {
		t.Fatalf("expected 2 rows, got %+v", rm)
	}
	if rm.InlineKeyboard[0][0].URL == "" {
		t.Fatalf("expected URL button in first row")
	}
	if rm.InlineKeyboard[1][0].Data == "" {
		t.Fatalf("expected callback button in second row")
	}
}
