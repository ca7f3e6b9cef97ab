// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bcem/mailextract/internal/extraction"
	"github.com/bcem/mailextract/internal/lock"
	"github.com/bcem/mailextract/internal/models"
	"github.com/bcem/mailextract/internal/prompts"
)

// --- Mock store: sources disappear once an extraction exists ---

type mockStore struct {
	mu      sync.Mutex
	pending []extraction.Source
	done    map[uuid.UUID]bool
	nextID  int64
}

func newMockStore(n int) *mockStore {
	s := &mockStore{done: make(map[uuid.UUID]bool)}
	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		s.pending = append(s.pending, extraction.Source{
			Context: extraction.SourceContext{
				Thread: models.Thread{Title: "Innsyn"},
				Email: models.EmailRecord{
					ID:               uuid.New(),
					EmailType:        "IN",
					DatetimeReceived: base.Add(time.Duration(i) * time.Minute),
				},
				Kind: extraction.SourceEmailBody,
			},
			ExtractionID: int64(100 + i),
			Text:         "body",
		})
	}
	return s
}

func (s *mockStore) PendingSources(_ context.Context, _, _ string, limit int) ([]extraction.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []extraction.Source
	for _, src := range s.pending {
		if s.done[src.Context.Email.ID] {
			continue
		}
		out = append(out, src)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *mockStore) markDone(id uuid.UUID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done[id] = true
	s.nextID++
	return s.nextID
}

// --- Mock executor ---

type mockExecutor struct {
	store  *mockStore
	failOn map[uuid.UUID]bool
	noRow  map[uuid.UUID]bool

	mu     sync.Mutex
	runs   map[uuid.UUID]int
	inputs []string
}

func newMockExecutor(store *mockStore) *mockExecutor {
	return &mockExecutor{
		store:  store,
		failOn: make(map[uuid.UUID]bool),
		noRow:  make(map[uuid.UUID]bool),
		runs:   make(map[uuid.UUID]int),
	}
}

func (e *mockExecutor) Run(_ context.Context, task prompts.Task, in extraction.RunInput) (*models.Extraction, error) {
	e.mu.Lock()
	e.runs[in.EmailID]++
	e.inputs = append(e.inputs, in.Text)
	e.mu.Unlock()

	if e.noRow[in.EmailID] {
		return nil, errors.New("create extraction: db down")
	}

	id := e.store.markDone(in.EmailID)
	ext := &models.Extraction{ExtractionID: id, EmailID: in.EmailID, PromptID: task.ID()}
	if e.failOn[in.EmailID] {
		msg := "completion gateway http_status"
		ext.ErrorMessage = &msg
		return ext, errors.New(msg)
	}
	text := "ok"
	ext.ExtractedText = &text
	return ext, nil
}

func (e *mockExecutor) runCount(id uuid.UUID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[id]
}

// --- Mock locker ---

type mockLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	released []string
}

func newMockLocker() *mockLocker {
	return &mockLocker{held: make(map[string]bool)}
}

func (l *mockLocker) Claim(_ context.Context, emailID uuid.UUID, attachmentID *int64, promptID string) (*lock.Claim, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := lock.Key(emailID, attachmentID, promptID)
	if l.held[key] {
		return nil, nil
	}
	l.held[key] = true
	return &lock.Claim{Key: key}, nil
}

func (l *mockLocker) Release(_ context.Context, c *lock.Claim) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, c.Key)
	l.released = append(l.released, c.Key)
	return nil
}

// --- Mock publisher ---

type mockPublisher struct {
	mu     sync.Mutex
	events []*models.ExtractionEvent
}

func (p *mockPublisher) PublishExtractionEvent(_ context.Context, e *models.ExtractionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *mockPublisher) count(status string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Status == status {
			n++
		}
	}
	return n
}

// TestRun_ProcessesAllPending verifies every pending email runs exactly once.
func TestRun_ProcessesAllPending(t *testing.T) {
	store := newMockStore(7)
	exec := newMockExecutor(store)
	locker := newMockLocker()
	pub := &mockPublisher{}

	r := NewRunner(RunnerConfig{Sources: store, Executor: exec, Locker: locker, Publisher: pub, Workers: 3})
	res, err := r.Run(context.Background(), Request{Task: prompts.NewCaseNumberTask()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Completed != 7 {
		t.Errorf("Completed = %d, want 7", res.Completed)
	}
	if res.Failed != 0 || res.Skipped != 0 || res.Errors != 0 {
		t.Errorf("unexpected counters: %+v", res)
	}
	for _, src := range store.pending {
		if n := exec.runCount(src.Context.Email.ID); n != 1 {
			t.Errorf("email %s ran %d times, want 1", src.Context.Email.ID, n)
		}
	}
	if got := pub.count("completed"); got != 7 {
		t.Errorf("completed events = %d, want 7", got)
	}
	if len(locker.released) != 7 {
		t.Errorf("released claims = %d, want 7", len(locker.released))
	}
	if res.TaskID != prompts.CaseNumberTaskID {
		t.Errorf("TaskID = %q, want %q", res.TaskID, prompts.CaseNumberTaskID)
	}
}

// TestRun_PreparesInput verifies thread and email context reaches the task.
func TestRun_PreparesInput(t *testing.T) {
	store := newMockStore(1)
	exec := newMockExecutor(store)

	r := NewRunner(RunnerConfig{Sources: store, Executor: exec, Workers: 1})
	if _, err := r.Run(context.Background(), Request{Task: prompts.NewThreadSummaryTask()}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(exec.inputs) != 1 {
		t.Fatalf("inputs = %d, want 1", len(exec.inputs))
	}
	in := exec.inputs[0]
	if !strings.HasPrefix(in, "Thread Details:\n- Thread title: Innsyn\n") {
		t.Errorf("input does not start with thread details: %q", in)
	}
	if !strings.HasSuffix(in, "- Source: Email body\n\nbody") {
		t.Errorf("input does not end with source text: %q", in)
	}
}

// TestRun_Limit verifies the run stops after the requested number of runs.
func TestRun_Limit(t *testing.T) {
	store := newMockStore(10)
	exec := newMockExecutor(store)

	r := NewRunner(RunnerConfig{Sources: store, Executor: exec, Workers: 4})
	res, err := r.Run(context.Background(), Request{Task: prompts.NewLatestReplyTask(), Limit: 5})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Completed != 5 {
		t.Errorf("Completed = %d, want 5", res.Completed)
	}
}

// TestRun_FailuresAreCounted verifies failed runs are counted, published and not retried.
func TestRun_FailuresAreCounted(t *testing.T) {
	store := newMockStore(4)
	exec := newMockExecutor(store)
	exec.failOn[store.pending[1].Context.Email.ID] = true
	pub := &mockPublisher{}

	r := NewRunner(RunnerConfig{Sources: store, Executor: exec, Publisher: pub, Workers: 2})
	res, err := r.Run(context.Background(), Request{Task: prompts.NewLatestReplyTask()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Completed != 3 || res.Failed != 1 {
		t.Errorf("Completed = %d, Failed = %d, want 3 and 1", res.Completed, res.Failed)
	}
	if n := exec.runCount(store.pending[1].Context.Email.ID); n != 1 {
		t.Errorf("failed email ran %d times, want 1", n)
	}
	if got := pub.count("failed"); got != 1 {
		t.Errorf("failed events = %d, want 1", got)
	}
}

// TestRun_SkipsClaimedEmails verifies emails claimed elsewhere are left alone
// and the run terminates.
func TestRun_SkipsClaimedEmails(t *testing.T) {
	store := newMockStore(3)
	exec := newMockExecutor(store)
	locker := newMockLocker()
	task := prompts.NewCaseNumberTask()
	held := store.pending[0].Context.Email.ID
	locker.held[lock.Key(held, nil, task.ID())] = true

	r := NewRunner(RunnerConfig{Sources: store, Executor: exec, Locker: locker, Workers: 3})
	res, err := r.Run(context.Background(), Request{Task: task})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Completed != 2 {
		t.Errorf("Completed = %d, want 2", res.Completed)
	}
	if res.Skipped == 0 {
		t.Errorf("Skipped = 0, want at least 1")
	}
	if n := exec.runCount(held); n != 0 {
		t.Errorf("claimed email ran %d times, want 0", n)
	}
}

// TestRun_StopsWhenNothingCanStart verifies a source that keeps failing
// before a row exists does not loop forever.
func TestRun_StopsWhenNothingCanStart(t *testing.T) {
	store := newMockStore(2)
	exec := newMockExecutor(store)
	exec.noRow[store.pending[0].Context.Email.ID] = true

	r := NewRunner(RunnerConfig{Sources: store, Executor: exec, Workers: 2})
	res, err := r.Run(context.Background(), Request{Task: prompts.NewLatestReplyTask()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Completed != 1 {
		t.Errorf("Completed = %d, want 1", res.Completed)
	}
	if res.Errors < 1 {
		t.Errorf("Errors = %d, want at least 1", res.Errors)
	}
}

// TestRun_CancelledContext verifies a cancelled run returns the context error.
func TestRun_CancelledContext(t *testing.T) {
	store := newMockStore(3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRunner(RunnerConfig{Sources: store, Executor: newMockExecutor(store)})
	_, err := r.Run(ctx, Request{Task: prompts.NewLatestReplyTask()})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestNewRunner_DefaultWorkers(t *testing.T) {
	if r := NewRunner(RunnerConfig{}); r.workers != DefaultWorkers {
		t.Errorf("workers = %d, want %d", r.workers, DefaultWorkers)
	}
}

// --- In-memory body store: emails stay pending until a code email_body row exists ---

type memBodies struct {
	mu     sync.Mutex
	emails []models.EmailRecord
	raw    map[uuid.UUID][]byte
	rows   map[int64]*models.Extraction
	nextID int64
}

func newMemBodies(n int) *memBodies {
	b := &memBodies{raw: make(map[uuid.UUID][]byte), rows: make(map[int64]*models.Extraction)}
	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		e := models.EmailRecord{ID: uuid.New(), ThreadID: uuid.New(), DatetimeReceived: base.Add(time.Duration(i) * time.Minute)}
		b.emails = append(b.emails, e)
		b.raw[e.ID] = []byte("Subject: Innsyn\r\nContent-Type: text/plain\r\n\r\nBody " + e.ID.String() + "\r\n")
	}
	return b
}

func (b *memBodies) PendingBodies(_ context.Context, limit int) ([]extraction.Source, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []extraction.Source
	for _, e := range b.emails {
		if b.hasBody(e.ID) {
			continue
		}
		out = append(out, extraction.Source{Context: extraction.SourceContext{Email: e, Kind: extraction.SourceEmailBody}})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (b *memBodies) hasBody(emailID uuid.UUID) bool {
	for _, r := range b.rows {
		if r.EmailID == emailID && r.PromptService == models.ServiceCode && r.PromptText == extraction.SourceEmailBody {
			return true
		}
	}
	return false
}

func (b *memBodies) EmailContent(_ context.Context, threadID, emailID uuid.UUID) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.emails {
		if e.ID == emailID && e.ThreadID == threadID {
			return b.raw[emailID], nil
		}
	}
	return nil, nil
}

func (b *memBodies) Create(_ context.Context, n extraction.NewExtraction) (*models.Extraction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	e := &models.Extraction{
		ExtractionID:  b.nextID,
		EmailID:       n.EmailID,
		PromptID:      n.PromptID,
		PromptText:    n.PromptText,
		PromptService: n.PromptService,
	}
	b.rows[e.ExtractionID] = e
	cp := *e
	return &cp, nil
}

func (b *memBodies) AttachAudit(context.Context, int64, int64) error { return nil }

func (b *memBodies) Complete(_ context.Context, id int64, text string) (*models.Extraction, error) {
	return b.finish(id, &text, nil)
}

func (b *memBodies) Fail(_ context.Context, id int64, message string) (*models.Extraction, error) {
	return b.finish(id, nil, &message)
}

func (b *memBodies) finish(id int64, text, message *string) (*models.Extraction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.rows[id]
	e.ExtractedText, e.ErrorMessage = text, message
	cp := *e
	return &cp, nil
}

// TestRun_BodyJob verifies the body stage stores one code email_body row
// per email through the claim path, and that a missing raw message is
// recorded as a failed row instead of being retried.
func TestRun_BodyJob(t *testing.T) {
	bodies := newMemBodies(5)
	missing := bodies.emails[2].ID
	delete(bodies.raw, missing)
	locker := newMockLocker()
	pub := &mockPublisher{}

	job := &BodyJob{Sources: bodies, Extractor: extraction.NewBodyExtractor(bodies, bodies)}
	r := NewRunner(RunnerConfig{Locker: locker, Publisher: pub, Workers: 2})
	res, err := r.Run(context.Background(), Request{Job: job})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.TaskID != extraction.SourceEmailBody {
		t.Errorf("TaskID = %q, want %q", res.TaskID, extraction.SourceEmailBody)
	}
	if res.Completed != 4 || res.Failed != 1 {
		t.Errorf("Completed = %d, Failed = %d, want 4 and 1", res.Completed, res.Failed)
	}
	if len(bodies.rows) != 5 {
		t.Errorf("rows = %d, want 5", len(bodies.rows))
	}
	for _, row := range bodies.rows {
		if row.PromptService != models.ServiceCode || row.PromptText != extraction.SourceEmailBody {
			t.Errorf("row %d = %s/%s, want code/email_body", row.ExtractionID, row.PromptService, row.PromptText)
		}
		if row.EmailID == missing {
			if row.ErrorMessage == nil {
				t.Errorf("row for email without content has no error")
			}
			continue
		}
		if row.ExtractedText == nil || *row.ExtractedText != "Body "+row.EmailID.String() {
			t.Errorf("row %d text = %v", row.ExtractionID, row.ExtractedText)
		}
	}
	if len(locker.released) != 5 {
		t.Errorf("released claims = %d, want 5", len(locker.released))
	}
	if !strings.Contains(locker.released[0], extraction.SourceEmailBody+":") {
		t.Errorf("claim key %q is not scoped to the body stage", locker.released[0])
	}
	if got := pub.count("failed"); got != 1 {
		t.Errorf("failed events = %d, want 1", got)
	}
}
