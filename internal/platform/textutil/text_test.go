package textutil

import "testing"

func TestSanitizeText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		max   int
		want  string
	}{
		{name: "plain", input: "  pipe still leaking ", want: "pipe still leaking"},
		{name: "markup stripped", input: "<b>late</b> again<script>alert(1)</script>", want: "late again"},
		{name: "entities kept readable", input: "tom & jerry", want: "tom & jerry"},
		{name: "capped by runes", input: "привет мир", max: 6, want: "привет"},
		{name: "empty", input: "<p></p>", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeText(tt.input, tt.max); got != tt.want {
				t.Fatalf("SanitizeText(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSanitizeListDropsEmpty(t *testing.T) {
	got := SanitizeList([]string{" att-1 ", "<i></i>", "att-2"}, 0)
	if len(got) != 2 || got[0] != "att-1" || got[1] != "att-2" {
		t.Fatalf("unexpected list %v", got)
	}
	if SanitizeList(nil, 0) != nil {
		t.Fatalf("expected nil for empty input")
	}
}
