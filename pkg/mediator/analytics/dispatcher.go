package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Collaborator is the upstream analysis provider. All calls are best-effort
// and bounded by the dispatcher's timeout.
type Collaborator interface {
	Sentiment(ctx context.Context, utterance string, recent []Entry) (SentimentResult, error)
	Analyze(ctx context.Context, transcript []Entry) (AnalysisResult, error)
	SupervisorCoaching(ctx context.Context, utterance string, recent []Entry) (CoachingResult, error)
	Summarize(ctx context.Context, transcript []Entry) (SummaryResult, error)
}

// Insights is the ephemeral per-session cache of the latest analysis and
// coaching payloads, kept for the dashboards until the session ends.
type Insights struct {
	Analysis  *AnalysisResult `json:"analysis,omitempty"`
	Coaching  *CoachingResult `json:"coaching,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type request struct {
	sessionID string
	kind      Kind
	utterance string
	recent    []Entry
	full      []Entry
	post      func(TaskResult) bool
}

type kindSlot struct {
	inflight bool
	pending  *request
}

type sessionTasks struct {
	slots map[Kind]*kindSlot
}

// Dispatcher runs at most one task per kind per session. A trigger arriving
// while the same kind is in flight replaces any still-unstarted pending
// request (latest wins); the in-flight call completes and posts normally.
type Dispatcher struct {
	collab          Collaborator
	logger          *slog.Logger
	timeout         time.Duration
	escalationScore float64

	mu       sync.Mutex
	sessions map[string]*sessionTasks
	cache    map[string]*Insights

	onOutcome func(kind Kind, ok bool) // metrics hook, optional
}

func NewDispatcher(collab Collaborator, timeout time.Duration, escalationScore float64, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if escalationScore <= 0 {
		escalationScore = 70
	}
	return &Dispatcher{
		collab:          collab,
		logger:          logger,
		timeout:         timeout,
		escalationScore: escalationScore,
		sessions:        make(map[string]*sessionTasks),
		cache:           make(map[string]*Insights),
	}
}

// SetOutcomeHook installs a per-task completion callback (used for metrics).
func (d *Dispatcher) SetOutcomeHook(hook func(kind Kind, ok bool)) {
	d.onOutcome = hook
}

// Trigger launches the three per-utterance tasks. post delivers results back
// to the session loop; a false return means the session is gone and the
// result is discarded.
func (d *Dispatcher) Trigger(sessionID, utterance string, recent, full []Entry, post func(TaskResult) bool) {
	for _, kind := range []Kind{KindSentiment, KindAnalysis, KindCoaching} {
		d.submit(&request{
			sessionID: sessionID,
			kind:      kind,
			utterance: utterance,
			recent:    recent,
			full:      full,
			post:      post,
		})
	}
}

func (d *Dispatcher) submit(req *request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tasks := d.sessions[req.sessionID]
	if tasks == nil {
		tasks = &sessionTasks{slots: make(map[Kind]*kindSlot)}
		d.sessions[req.sessionID] = tasks
	}
	slot := tasks.slots[req.kind]
	if slot == nil {
		slot = &kindSlot{}
		tasks.slots[req.kind] = slot
	}
	if slot.inflight {
		slot.pending = req
		return
	}
	slot.inflight = true
	go d.run(req)
}

func (d *Dispatcher) run(req *request) {
	for req != nil {
		d.execute(req)

		d.mu.Lock()
		tasks := d.sessions[req.sessionID]
		var next *request
		if tasks != nil {
			if slot := tasks.slots[req.kind]; slot != nil {
				next = slot.pending
				slot.pending = nil
				slot.inflight = next != nil
			}
		}
		d.mu.Unlock()
		req = next
	}
}

func (d *Dispatcher) execute(req *request) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	switch req.kind {
	case KindSentiment:
		res, err := d.collab.Sentiment(ctx, req.utterance, req.recent)
		if err != nil {
			// Neutral default so the session's frustration signal still
			// updates and broadcasts.
			res = SentimentResult{Score: 0, Sentiment: "neutral"}
			d.logger.Debug("sentiment collaborator failed, using neutral default",
				"session_id", req.sessionID, "err", err)
			d.taskDone(req, TaskResult{SessionID: req.sessionID, Kind: req.kind, Sentiment: &res})
			return
		}
		if res.Score >= d.escalationScore || res.Sentiment == "frustrated" || res.Sentiment == "angry" {
			res.ShouldEscalate = true
		}
		d.taskDone(req, TaskResult{SessionID: req.sessionID, Kind: req.kind, Sentiment: &res})
	case KindAnalysis:
		res, err := d.collab.Analyze(ctx, req.full)
		if err != nil {
			if len(req.full) == 0 {
				d.taskFailed(req, err)
				return
			}
			// Deterministic fallback so the dashboards still get an intent.
			res = AnalysisResult{
				Intent:         ClassifyIntent(req.full),
				Sentiment:      "neutral",
				EscalationRisk: "low",
			}
			d.logger.Debug("analysis collaborator failed, using keyword intent",
				"session_id", req.sessionID, "intent", res.Intent, "err", err)
		}
		d.cacheAnalysis(req.sessionID, &res)
		d.taskDone(req, TaskResult{SessionID: req.sessionID, Kind: req.kind, Analysis: &res})
	case KindCoaching:
		res, err := d.collab.SupervisorCoaching(ctx, req.utterance, req.recent)
		if err != nil {
			d.taskFailed(req, err)
			return
		}
		d.cacheCoaching(req.sessionID, &res)
		d.taskDone(req, TaskResult{SessionID: req.sessionID, Kind: req.kind, Coaching: &res})
	}
}

func (d *Dispatcher) taskDone(req *request, res TaskResult) {
	if d.onOutcome != nil {
		d.onOutcome(req.kind, true)
	}
	if !req.post(res) {
		d.logger.Debug("analytics result discarded, session gone",
			"session_id", req.sessionID, "kind", req.kind)
	}
}

func (d *Dispatcher) taskFailed(req *request, err error) {
	if d.onOutcome != nil {
		d.onOutcome(req.kind, false)
	}
	d.logger.Warn("analytics task failed",
		"session_id", req.sessionID, "kind", req.kind, "err", err)
}

func (d *Dispatcher) cacheAnalysis(sessionID string, res *AnalysisResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ins := d.cache[sessionID]
	if ins == nil {
		ins = &Insights{}
		d.cache[sessionID] = ins
	}
	ins.Analysis = res
	ins.UpdatedAt = time.Now()
}

func (d *Dispatcher) cacheCoaching(sessionID string, res *CoachingResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ins := d.cache[sessionID]
	if ins == nil {
		ins = &Insights{}
		d.cache[sessionID] = ins
	}
	ins.Coaching = res
	ins.UpdatedAt = time.Now()
}

// InsightsFor returns the cached analysis/coaching payloads for a session.
func (d *Dispatcher) InsightsFor(sessionID string) (Insights, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ins := d.cache[sessionID]
	if ins == nil {
		return Insights{}, false
	}
	return *ins, true
}

// Forget drops the per-session tracking and cache; late results for the
// session are still delivered to post, whose owner decides.
func (d *Dispatcher) Forget(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, sessionID)
	delete(d.cache, sessionID)
}

// Summarize invokes the summary collaborator directly; callers handle the
// failure placeholder themselves.
func (d *Dispatcher) Summarize(ctx context.Context, transcript []Entry) (SummaryResult, error) {
	return d.collab.Summarize(ctx, transcript)
}

// Analyze invokes the analysis collaborator synchronously (control surface).
func (d *Dispatcher) Analyze(ctx context.Context, transcript []Entry) (AnalysisResult, error) {
	res, err := d.collab.Analyze(ctx, transcript)
	if err != nil && len(transcript) > 0 {
		return AnalysisResult{
			Intent:         ClassifyIntent(transcript),
			Sentiment:      "neutral",
			EscalationRisk: "low",
		}, nil
	}
	return res, err
}

// Coach invokes the coaching collaborator synchronously (control surface).
func (d *Dispatcher) Coach(ctx context.Context, utterance string, recent []Entry) (CoachingResult, error) {
	return d.collab.SupervisorCoaching(ctx, utterance, recent)
}
