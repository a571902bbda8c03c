package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zulandar/switchyard/internal/egress"
	"github.com/zulandar/switchyard/internal/llm"
	"github.com/zulandar/switchyard/internal/retrieval"
)

var errFake = errors.New("fake failure")

type fakeModel struct {
	mu          sync.Mutex
	intent      llm.Classification
	classifyErr error
	reply       string
	generateErr error
	escalate    bool
	escalateErr error

	// Calls block until their context is done.
	hangClassify bool
	hangGenerate bool

	classifyCalls int
	escalateCalls int
	lastRequest   llm.GenerateRequest
}

func (f *fakeModel) Classify(ctx context.Context, _ string, _ []llm.Turn, _ string, _ []string) (llm.Classification, error) {
	f.mu.Lock()
	f.classifyCalls++
	hang := f.hangClassify
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return llm.Classification{}, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.intent.Intent == "" && f.classifyErr == nil {
		return llm.Classification{Intent: IntentUnknown, Confidence: 0.5}, nil
	}
	return f.intent, f.classifyErr
}

func (f *fakeModel) Generate(ctx context.Context, req llm.GenerateRequest) (string, error) {
	f.mu.Lock()
	f.lastRequest = req
	hang := f.hangGenerate
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return "", ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reply, f.generateErr
}

func (f *fakeModel) DetectEscalation(_ context.Context, _, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escalateCalls++
	return f.escalate, f.escalateErr
}

type fakeRetriever struct {
	snippets  []retrieval.Snippet
	err       error
	calls     int
	namespace string
}

func (f *fakeRetriever) Search(_ context.Context, _ string, namespace string, _ int) ([]retrieval.Snippet, error) {
	f.calls++
	f.namespace = namespace
	return f.snippets, f.err
}

type fakeSender struct {
	mu   sync.Mutex
	fail bool
	sent []egress.Content
}

func (f *fakeSender) Send(_ context.Context, _ egress.Recipient, c egress.Content) egress.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return egress.Result{Attempts: 3, Err: errFake}
	}
	f.sent = append(f.sent, c)
	return egress.Result{Delivered: true, Attempts: 1}
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// slowSender takes delay per send, or gives up when its context ends first.
type slowSender struct {
	delay time.Duration

	mu   sync.Mutex
	sent int
}

func (f *slowSender) Send(ctx context.Context, _ egress.Recipient, _ egress.Content) egress.Result {
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return egress.Result{Attempts: 1, Err: ctx.Err()}
	}
	f.mu.Lock()
	f.sent++
	f.mu.Unlock()
	return egress.Result{Delivered: true, Attempts: 1}
}

func (f *slowSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *recordingNotifier) Notify(_ context.Context, n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *recordingNotifier) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.notices {
		out = append(out, n.Kind)
	}
	return out
}

func (r *recordingNotifier) last() Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.notices) == 0 {
		return Notice{}
	}
	return r.notices[len(r.notices)-1]
}
