package analytics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeCollab struct {
	mu            sync.Mutex
	sentimentErr  error
	analyzeErr    error
	coachingErr   error
	sentiment     SentimentResult
	analysis      AnalysisResult
	coaching      CoachingResult
	block         chan struct{}
	blockCoaching chan struct{}
	sentimentSeen []string
}

func (f *fakeCollab) Sentiment(ctx context.Context, utterance string, recent []Entry) (SentimentResult, error) {
	f.mu.Lock()
	f.sentimentSeen = append(f.sentimentSeen, utterance)
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return SentimentResult{}, ctx.Err()
		}
	}
	if f.sentimentErr != nil {
		return SentimentResult{}, f.sentimentErr
	}
	return f.sentiment, nil
}

func (f *fakeCollab) Analyze(ctx context.Context, transcript []Entry) (AnalysisResult, error) {
	if f.analyzeErr != nil {
		return AnalysisResult{}, f.analyzeErr
	}
	return f.analysis, nil
}

func (f *fakeCollab) SupervisorCoaching(ctx context.Context, utterance string, recent []Entry) (CoachingResult, error) {
	f.mu.Lock()
	block := f.blockCoaching
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return CoachingResult{}, ctx.Err()
		}
	}
	if f.coachingErr != nil {
		return CoachingResult{}, f.coachingErr
	}
	return f.coaching, nil
}

func (f *fakeCollab) Summarize(ctx context.Context, transcript []Entry) (SummaryResult, error) {
	return SummaryResult{}, errors.New("not used")
}

func collectResults(t *testing.T, n int, results <-chan TaskResult) map[Kind]TaskResult {
	t.Helper()
	out := make(map[Kind]TaskResult)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case res := <-results:
			out[res.Kind] = res
		case <-timeout:
			t.Fatalf("got %d results, want %d", len(out), n)
		}
	}
	return out
}

func TestDispatcher_PostsAllThreeKinds(t *testing.T) {
	collab := &fakeCollab{
		sentiment: SentimentResult{Score: 20, Sentiment: "neutral"},
		analysis:  AnalysisResult{Intent: "support"},
		coaching:  CoachingResult{CoachingTip: "stay calm"},
	}
	d := NewDispatcher(collab, time.Second, 70, nil)
	results := make(chan TaskResult, 8)
	post := func(r TaskResult) bool { results <- r; return true }

	d.Trigger("s1", "my app is broken", nil, []Entry{{Role: "customer", Content: "my app is broken"}}, post)
	got := collectResults(t, 3, results)

	if got[KindSentiment].Sentiment == nil || got[KindSentiment].Sentiment.Score != 20 {
		t.Fatalf("sentiment=%+v", got[KindSentiment])
	}
	if got[KindAnalysis].Analysis == nil || got[KindAnalysis].Analysis.Intent != "support" {
		t.Fatalf("analysis=%+v", got[KindAnalysis])
	}
	if got[KindCoaching].Coaching == nil || got[KindCoaching].Coaching.CoachingTip != "stay calm" {
		t.Fatalf("coaching=%+v", got[KindCoaching])
	}
}

func TestDispatcher_EscalationThreshold(t *testing.T) {
	collab := &fakeCollab{
		sentiment: SentimentResult{Score: 85, Sentiment: "angry", Reason: "repeated complaints"},
		analysis:  AnalysisResult{Intent: "complaint"},
		coaching:  CoachingResult{CoachingTip: "apologize"},
	}
	d := NewDispatcher(collab, time.Second, 70, nil)
	results := make(chan TaskResult, 8)
	d.Trigger("s1", "x", nil, []Entry{{Content: "x"}}, func(r TaskResult) bool { results <- r; return true })

	got := collectResults(t, 3, results)
	if !got[KindSentiment].Sentiment.ShouldEscalate {
		t.Fatalf("score 85 must escalate")
	}
}

func TestDispatcher_SentimentBelowThresholdNoEscalation(t *testing.T) {
	collab := &fakeCollab{
		sentiment: SentimentResult{Score: 30, Sentiment: "neutral"},
		analysis:  AnalysisResult{Intent: "support"},
		coaching:  CoachingResult{CoachingTip: "tip"},
	}
	d := NewDispatcher(collab, time.Second, 70, nil)
	results := make(chan TaskResult, 8)
	d.Trigger("s1", "x", nil, []Entry{{Content: "x"}}, func(r TaskResult) bool { results <- r; return true })

	got := collectResults(t, 3, results)
	if got[KindSentiment].Sentiment.ShouldEscalate {
		t.Fatalf("score 30/neutral must not escalate")
	}
}

func TestDispatcher_AnalysisFallsBackToKeywordIntent(t *testing.T) {
	collab := &fakeCollab{
		analyzeErr: errors.New("upstream 500"),
		sentiment:  SentimentResult{},
		coaching:   CoachingResult{CoachingTip: "tip"},
	}
	d := NewDispatcher(collab, time.Second, 70, nil)
	results := make(chan TaskResult, 8)
	full := []Entry{{Role: "customer", Content: "I want to cancel my subscription"}}
	d.Trigger("s1", "I want to cancel my subscription", nil, full, func(r TaskResult) bool { results <- r; return true })

	got := collectResults(t, 3, results)
	if got[KindAnalysis].Analysis == nil {
		t.Fatalf("expected fallback analysis result")
	}
	if got[KindAnalysis].Analysis.Intent != "cancellation" {
		t.Fatalf("intent=%q, want cancellation", got[KindAnalysis].Analysis.Intent)
	}
}

func TestDispatcher_FailedSentimentPostsNeutralDefault(t *testing.T) {
	collab := &fakeCollab{
		sentimentErr: errors.New("quota"),
		analysis:     AnalysisResult{Intent: "support"},
		coaching:     CoachingResult{CoachingTip: "tip"},
	}
	d := NewDispatcher(collab, 100*time.Millisecond, 70, nil)
	results := make(chan TaskResult, 8)
	d.Trigger("s1", "x", nil, []Entry{{Content: "help me"}}, func(r TaskResult) bool { results <- r; return true })

	got := collectResults(t, 3, results)
	sentiment := got[KindSentiment].Sentiment
	if sentiment == nil {
		t.Fatalf("failed sentiment must post the neutral default")
	}
	if sentiment.Score != 0 || sentiment.Sentiment != "neutral" || sentiment.ShouldEscalate {
		t.Fatalf("default=%+v", sentiment)
	}
}

func TestDispatcher_LatestWinsWhileInflight(t *testing.T) {
	block := make(chan struct{})
	collab := &fakeCollab{
		block:     block,
		sentiment: SentimentResult{Score: 10},
		analysis:  AnalysisResult{Intent: "support"},
		coaching:  CoachingResult{CoachingTip: "tip"},
	}
	d := NewDispatcher(collab, 2*time.Second, 70, nil)
	results := make(chan TaskResult, 32)
	post := func(r TaskResult) bool { results <- r; return true }

	// First trigger blocks in Sentiment; two more arrive while in flight.
	d.Trigger("s1", "first", nil, []Entry{{Content: "x"}}, post)
	time.Sleep(50 * time.Millisecond)
	d.Trigger("s1", "second", nil, []Entry{{Content: "x"}}, post)
	d.Trigger("s1", "third", nil, []Entry{{Content: "x"}}, post)
	close(block)

	// Wait for the dust to settle, then check the sentiment call pattern:
	// "first" ran, "second" was replaced, "third" ran.
	deadline := time.Now().Add(2 * time.Second)
	for {
		collab.mu.Lock()
		n := len(collab.sentimentSeen)
		collab.mu.Unlock()
		if n >= 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	collab.mu.Lock()
	defer collab.mu.Unlock()
	if len(collab.sentimentSeen) != 2 {
		t.Fatalf("sentiment calls=%v, want [first third]", collab.sentimentSeen)
	}
	if collab.sentimentSeen[0] != "first" || collab.sentimentSeen[1] != "third" {
		t.Fatalf("sentiment calls=%v, want [first third]", collab.sentimentSeen)
	}
}

func TestDispatcher_CachesInsights(t *testing.T) {
	collab := &fakeCollab{
		sentiment: SentimentResult{},
		analysis:  AnalysisResult{Intent: "support"},
		coaching:  CoachingResult{CoachingTip: "tip"},
	}
	d := NewDispatcher(collab, time.Second, 70, nil)
	results := make(chan TaskResult, 8)
	d.Trigger("s1", "x", nil, []Entry{{Content: "x"}}, func(r TaskResult) bool { results <- r; return true })
	collectResults(t, 3, results)

	ins, ok := d.InsightsFor("s1")
	if !ok {
		t.Fatalf("expected cached insights")
	}
	if ins.Analysis == nil || ins.Analysis.Intent != "support" {
		t.Fatalf("analysis=%+v", ins.Analysis)
	}
	if ins.Coaching == nil || ins.Coaching.CoachingTip != "tip" {
		t.Fatalf("coaching=%+v", ins.Coaching)
	}

	d.Forget("s1")
	if _, ok := d.InsightsFor("s1"); ok {
		t.Fatalf("insights must be gone after Forget")
	}
}

func TestDispatcher_TimedOutSentimentPostsNeutralDefault(t *testing.T) {
	block := make(chan struct{}) // never closed: sentiment hangs until timeout
	collab := &fakeCollab{
		block:    block,
		analysis: AnalysisResult{Intent: "support"},
		coaching: CoachingResult{CoachingTip: "tip"},
	}
	d := NewDispatcher(collab, 50*time.Millisecond, 70, nil)
	results := make(chan TaskResult, 8)
	d.Trigger("s1", "x", nil, []Entry{{Content: "x"}}, func(r TaskResult) bool { results <- r; return true })

	got := collectResults(t, 3, results)
	sentiment := got[KindSentiment].Sentiment
	if sentiment == nil || sentiment.Sentiment != "neutral" || sentiment.Score != 0 {
		t.Fatalf("timed-out sentiment must post the neutral default, got %+v", sentiment)
	}
}

func TestDispatcher_CoachingTimeoutCountsAsFailure(t *testing.T) {
	blockCoaching := make(chan struct{}) // never closed: coaching hangs
	collab := &fakeCollab{
		blockCoaching: blockCoaching,
		sentiment:     SentimentResult{Score: 10},
		analysis:      AnalysisResult{Intent: "support"},
	}
	d := NewDispatcher(collab, 50*time.Millisecond, 70, nil)
	var mu sync.Mutex
	outcomes := make(map[Kind]bool)
	d.SetOutcomeHook(func(kind Kind, ok bool) {
		mu.Lock()
		outcomes[kind] = ok
		mu.Unlock()
	})
	results := make(chan TaskResult, 8)
	d.Trigger("s1", "x", nil, []Entry{{Content: "x"}}, func(r TaskResult) bool { results <- r; return true })

	collectResults(t, 2, results)
	waitDeadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		ok, seen := outcomes[KindCoaching]
		mu.Unlock()
		if seen {
			if ok {
				t.Fatalf("timed-out coaching must count as failure")
			}
			return
		}
		if time.Now().After(waitDeadline) {
			t.Fatalf("coaching outcome never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
