package messagebox

import "testing"

func TestRootThreadKey(t *testing.T) {
	if got := rootThreadKey(1000); got != "1000|" {
		t.Fatalf("rootThreadKey(1000) = %q, want %q", got, "1000|")
	}
}

func TestChildThreadKey(t *testing.T) {
	if got := childThreadKey("1000|", 1010); got != "1000#1010|" {
		t.Fatalf("childThreadKey = %q, want %q", got, "1000#1010|")
	}
	if got := childThreadKey("1000#1010|", 1020); got != "1000#1010#1020|" {
		t.Fatalf("nested childThreadKey = %q, want %q", got, "1000#1010#1020|")
	}
}

func TestLevel(t *testing.T) {
	cases := map[string]int{
		"1000|":          0,
		"1000#1010|":     1,
		"1000#1010#1020|": 2,
	}
	for key, want := range cases {
		if got := level(key); got != want {
			t.Fatalf("level(%q) = %d, want %d", key, got, want)
		}
	}
}

func TestReplyToFromThreadKey(t *testing.T) {
	if _, ok := replyToFromThreadKey("1000|"); ok {
		t.Fatal("root thread key should have no replyTo")
	}
	ts, ok := replyToFromThreadKey("1000#1010|")
	if !ok || ts != 1000 {
		t.Fatalf("replyToFromThreadKey(1000#1010|) = (%d, %v), want (1000, true)", ts, ok)
	}
	ts, ok = replyToFromThreadKey("1000#1010#1020|")
	if !ok || ts != 1010 {
		t.Fatalf("replyToFromThreadKey(1000#1010#1020|) = (%d, %v), want (1010, true)", ts, ok)
	}
}
