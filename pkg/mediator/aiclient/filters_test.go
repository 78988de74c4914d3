package aiclient

import (
	"testing"
	"time"
)

func TestAcceptTranscript_RejectsIndicScripts(t *testing.T) {
	if acceptTranscript("नमस्ते, मुझे मदद चाहिए") {
		t.Fatalf("devanagari text must be rejected")
	}
	if acceptTranscript("hello আমি") {
		t.Fatalf("mixed bengali text must be rejected")
	}
}

func TestAcceptTranscript_RejectsLowASCIIRatio(t *testing.T) {
	if acceptTranscript("1234 5678 90!!") {
		t.Fatalf("digit/punctuation text must be rejected")
	}
	if !acceptTranscript("I need help with order 12345") {
		t.Fatalf("normal english with digits must pass")
	}
}

func TestAcceptTranscript_RejectsEmptyAndWhitespace(t *testing.T) {
	if acceptTranscript("") {
		t.Fatalf("empty must be rejected")
	}
	if acceptTranscript("   \t ") {
		t.Fatalf("whitespace-only must be rejected")
	}
}

func TestAcceptTranscript_BoundaryRatio(t *testing.T) {
	// 3 letters of 10 non-whitespace chars = 0.30, exactly at the threshold.
	if !acceptTranscript("abc1234567") {
		t.Fatalf("ratio of exactly 0.30 must pass")
	}
	// 2 of 10 is below.
	if acceptTranscript("ab12345678") {
		t.Fatalf("ratio below 0.30 must be rejected")
	}
}

func TestCleanSentence_StripsMetaCommentary(t *testing.T) {
	if got := cleanSentence("[laughs] Sure, I can help."); got != "Sure, I can help." {
		t.Fatalf("got %q", got)
	}
	if got := cleanSentence("*sighs* Please hold."); got != "Please hold." {
		t.Fatalf("got %q", got)
	}
	if got := cleanSentence("Plain sentence."); got != "Plain sentence." {
		t.Fatalf("got %q", got)
	}
	if got := cleanSentence("[all meta]"); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}

func TestNormalizeEcho(t *testing.T) {
	if got := normalizeEcho("Please hold, while I check!"); got != "please hold while i check" {
		t.Fatalf("got %q", got)
	}
}

func TestEchoRing_BidirectionalContainment(t *testing.T) {
	now := time.Unix(1000, 0)
	r := newEchoRing(10 * time.Second)
	r.Add("Please hold while I check.", now)

	if !r.IsEcho("please hold while i check", now.Add(2*time.Second)) {
		t.Fatalf("exact echo must match")
	}
	if !r.IsEcho("please hold", now.Add(2*time.Second)) {
		t.Fatalf("candidate contained in AI sentence must match")
	}
	if !r.IsEcho("she said please hold while i check again", now.Add(2*time.Second)) {
		t.Fatalf("AI sentence contained in candidate must match")
	}
	if r.IsEcho("totally different words", now.Add(2*time.Second)) {
		t.Fatalf("unrelated text must not match")
	}
}

func TestEchoRing_ExpiresAfterWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	r := newEchoRing(10 * time.Second)
	r.Add("Please hold while I check.", now)

	if r.IsEcho("please hold while i check", now.Add(11*time.Second)) {
		t.Fatalf("expired AI sentence must not suppress")
	}
}
