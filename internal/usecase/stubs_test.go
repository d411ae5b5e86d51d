package usecase

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/simonhq/simon/internal/domain"
)

// In-memory port implementations shared by the tests in this package.

type stubSessions struct {
	mu       sync.Mutex
	sessions map[string]domain.Session // by external id
	turns    map[uuid.UUID]domain.Turn
	content  map[uuid.UUID]domain.TurnContent
	entities map[uuid.UUID][]domain.TurnEntity
	arts     map[uuid.UUID][]domain.TurnArtifact

	convHits []domain.ConversationHit
	errHits  []domain.ErrorHit
}

func newStubSessions() *stubSessions {
	return &stubSessions{
		sessions: map[string]domain.Session{},
		turns:    map[uuid.UUID]domain.Turn{},
		content:  map[uuid.UUID]domain.TurnContent{},
		entities: map[uuid.UUID][]domain.TurnEntity{},
		arts:     map[uuid.UUID][]domain.TurnArtifact{},
	}
}

func (s *stubSessions) UpsertSession(_ domain.Context, in domain.Session) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[in.SessionID]; ok {
		existing.TranscriptPath = in.TranscriptPath
		if in.LastActivityAt != nil {
			existing.LastActivityAt = in.LastActivityAt
		}
		s.sessions[in.SessionID] = existing
		return existing, nil
	}
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	in.CreatedAt = time.Now()
	s.sessions[in.SessionID] = in
	return in, nil
}

func (s *stubSessions) GetSessionByExternalID(_ domain.Context, externalID string) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[externalID]; ok {
		return sess, nil
	}
	return domain.Session{}, domain.ErrNotFound
}

func (s *stubSessions) ExistingTurnHashes(_ domain.Context, sessionID uuid.UUID) (map[string]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]uuid.UUID{}
	for id, t := range s.turns {
		if t.SessionID == sessionID {
			out[t.ContentHash] = id
		}
	}
	return out, nil
}

func (s *stubSessions) RecordTurns(_ domain.Context, sessionID uuid.UUID, turns []domain.TurnWithContent) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Mirror the (session_id, content_hash) unique constraint: a
	// colliding turn is dropped, not stored. Seeded turns without a
	// hash never collide.
	seen := map[string]bool{}
	for _, t := range s.turns {
		if t.SessionID == sessionID && t.ContentHash != "" {
			seen[t.ContentHash] = true
		}
	}
	var inserted []uuid.UUID
	for _, tc := range turns {
		t := tc.Turn
		if t.ContentHash != "" && seen[t.ContentHash] {
			continue
		}
		seen[t.ContentHash] = true
		t.SessionID = sessionID
		s.turns[t.ID] = t
		s.content[t.ID] = tc.Content
		inserted = append(inserted, t.ID)
	}
	for key, sess := range s.sessions {
		if sess.ID == sessionID {
			sess.TurnCount += len(inserted)
			s.sessions[key] = sess
		}
	}
	return inserted, nil
}

func (s *stubSessions) LinkSessionToProject(_ domain.Context, sessionID, projectID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, sess := range s.sessions {
		if sess.ID == sessionID {
			pid := projectID
			sess.ProjectID = &pid
			s.sessions[key] = sess
			return nil
		}
	}
	return domain.ErrNotFound
}

func (s *stubSessions) UpdateSessionSummary(_ domain.Context, sessionID uuid.UUID, title, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, sess := range s.sessions {
		if sess.ID == sessionID {
			sess.Title, sess.Summary, sess.IsProcessed = title, summary, true
			s.sessions[key] = sess
			return nil
		}
	}
	return domain.ErrNotFound
}

func (s *stubSessions) GetTurn(_ domain.Context, turnID uuid.UUID) (domain.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.turns[turnID]; ok {
		return t, nil
	}
	return domain.Turn{}, domain.ErrNotFound
}

func (s *stubSessions) GetTurnContent(_ domain.Context, turnID uuid.UUID) (domain.TurnContent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.content[turnID]; ok {
		return c, nil
	}
	return domain.TurnContent{}, domain.ErrNotFound
}

func (s *stubSessions) ListTurns(_ domain.Context, sessionID uuid.UUID) ([]domain.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Turn
	for _, t := range s.turns {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TurnNumber < out[j].TurnNumber })
	return out, nil
}

func (s *stubSessions) ListTurnsWithContent(ctx domain.Context, sessionID uuid.UUID) ([]domain.TurnWithContent, error) {
	turns, _ := s.ListTurns(ctx, sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TurnWithContent
	for _, t := range turns {
		out = append(out, domain.TurnWithContent{Turn: t, Content: s.content[t.ID]})
	}
	return out, nil
}

func (s *stubSessions) ListUnsummarizedTurns(ctx domain.Context, sessionID uuid.UUID) ([]domain.Turn, error) {
	turns, _ := s.ListTurns(ctx, sessionID)
	var out []domain.Turn
	for _, t := range turns {
		if t.AssistantSummary == "" {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *stubSessions) SetTurnSummary(_ domain.Context, turnID uuid.UUID, title, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.turns[turnID]
	if !ok {
		return domain.ErrNotFound
	}
	t.Title, t.AssistantSummary = title, summary
	s.turns[turnID] = t
	return nil
}

func (s *stubSessions) ReplaceTurnEntities(_ domain.Context, turnID uuid.UUID, entities []domain.TurnEntity) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prior := len(s.entities[turnID]) > 0
	s.entities[turnID] = entities
	return prior, nil
}

func (s *stubSessions) ReplaceTurnArtifacts(_ domain.Context, turnID uuid.UUID, artifacts []domain.TurnArtifact, content domain.TurnContent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arts[turnID] = artifacts
	s.content[turnID] = content
	return nil
}

func (s *stubSessions) RecentTurnsByEntities(_ domain.Context, _, _ []string, _ time.Time, _ int) ([]domain.ConversationHit, error) {
	return s.convHits, nil
}

func (s *stubSessions) RecentErrorArtifacts(_ domain.Context, _, _ []string, _ time.Time, _ int) ([]domain.ErrorHit, error) {
	return s.errHits, nil
}

type stubDirectory struct {
	mu          sync.Mutex
	projects    []domain.Project
	people      []domain.Person
	tasks       []domain.Task
	commitments []domain.Commitment
	sprints     []domain.Sprint
	selected    *domain.Project
	mentions    map[uuid.UUID]int
}

func (d *stubDirectory) ListActiveProjects(domain.Context) ([]domain.Project, error) {
	return d.projects, nil
}
func (d *stubDirectory) ListPeople(domain.Context) ([]domain.Person, error) { return d.people, nil }

func (d *stubDirectory) ProjectBySlug(_ domain.Context, slug string) (domain.Project, error) {
	for _, p := range d.projects {
		if p.Slug == slug {
			return p, nil
		}
	}
	return domain.Project{}, domain.ErrNotFound
}

func (d *stubDirectory) SelectedProject(domain.Context, string) (domain.Project, error) {
	if d.selected == nil {
		return domain.Project{}, domain.ErrNotFound
	}
	return *d.selected, nil
}

func (d *stubDirectory) IncrementProjectMentions(_ domain.Context, projectID uuid.UUID, n int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mentions == nil {
		d.mentions = map[uuid.UUID]int{}
	}
	d.mentions[projectID] += n
	return nil
}

func (d *stubDirectory) OpenTasks(_ domain.Context, _, _ []uuid.UUID, _ int) ([]domain.Task, error) {
	return d.tasks, nil
}

func (d *stubDirectory) OpenCommitments(_ domain.Context, _, _ []uuid.UUID, _ int) ([]domain.Commitment, error) {
	return d.commitments, nil
}

func (d *stubDirectory) EffectiveSprints(domain.Context, time.Time) ([]domain.Sprint, error) {
	return d.sprints, nil
}

type stubSkillRepo struct {
	mu     sync.Mutex
	skills []domain.Skill
}

func (r *stubSkillRepo) UpsertSkill(_ domain.Context, s domain.Skill) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.skills {
		if existing.Name == s.Name && existing.Scope == s.Scope && existing.IsActive {
			if existing.ContentHash == s.ContentHash {
				return false, nil
			}
			r.skills[i] = s
			return true, nil
		}
	}
	s.CreatedAt = time.Now()
	r.skills = append(r.skills, s)
	return true, nil
}

func (r *stubSkillRepo) ActiveSkills(domain.Context) ([]domain.Skill, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Skill
	for _, s := range r.skills {
		if s.IsActive {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *stubSkillRepo) CountAutoSkillsSince(_ domain.Context, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.skills {
		if s.Source == domain.SkillSourceAuto && s.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (r *stubSkillRepo) HasActiveContentHash(_ domain.Context, hash string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.skills {
		if s.IsActive && s.ContentHash == hash {
			return true, nil
		}
	}
	return false, nil
}

func (r *stubSkillRepo) Deactivate(_ domain.Context, name, scope string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.skills {
		if s.Name == name && s.Scope == scope && s.IsActive {
			r.skills[i].IsActive = false
			return nil
		}
	}
	return domain.ErrNotFound
}

// stubQueue is a usable in-memory queue with dedupe and priority order.
type stubQueue struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*domain.Job
	keys map[string]uuid.UUID
}

func newStubQueue() *stubQueue {
	return &stubQueue{jobs: map[uuid.UUID]*domain.Job{}, keys: map[string]uuid.UUID{}}
}

func (q *stubQueue) Enqueue(_ domain.Context, req domain.EnqueueRequest) (uuid.UUID, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if req.DedupeKey != "" {
		if id, ok := q.keys[req.DedupeKey]; ok {
			if j := q.jobs[id]; j != nil && !j.Terminal() {
				return id, false, nil
			}
		}
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}
	j := &domain.Job{
		ID: uuid.New(), Kind: req.Kind, DedupeKey: req.DedupeKey,
		Payload: req.Payload, Status: domain.JobQueued,
		Priority: req.Priority, MaxAttempts: maxAttempts,
		CreatedAt: time.Now(),
	}
	if req.Delay > 0 {
		t := time.Now().Add(req.Delay)
		j.LockedUntil = &t
	}
	q.jobs[j.ID] = j
	if req.DedupeKey != "" {
		q.keys[req.DedupeKey] = j.ID
	}
	return j.ID, true, nil
}

func (q *stubQueue) Claim(_ domain.Context, _ string, lease time.Duration) (domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var best *domain.Job
	now := time.Now()
	for _, j := range q.jobs {
		if j.Status != domain.JobQueued && j.Status != domain.JobRetry {
			continue
		}
		if j.LockedUntil != nil && j.LockedUntil.After(now) {
			continue
		}
		if best == nil || j.Priority < best.Priority ||
			(j.Priority == best.Priority && j.CreatedAt.Before(best.CreatedAt)) {
			best = j
		}
	}
	if best == nil {
		return domain.Job{}, domain.ErrNotFound
	}
	best.Status = domain.JobProcessing
	best.Attempts++
	t := now.Add(lease)
	best.LockedUntil = &t
	return *best, nil
}

func (q *stubQueue) Complete(_ domain.Context, jobID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok || j.Terminal() {
		return domain.ErrNotFound
	}
	j.Status = domain.JobDone
	return nil
}

func (q *stubQueue) Fail(_ domain.Context, jobID uuid.UUID, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok || j.Terminal() {
		return domain.ErrNotFound
	}
	j.ErrorMsg = errMsg
	if j.Attempts < j.MaxAttempts {
		j.Status = domain.JobRetry
		j.LockedUntil = nil
	} else {
		j.Status = domain.JobFailed
	}
	return nil
}

func (q *stubQueue) FailPermanent(_ domain.Context, jobID uuid.UUID, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok || j.Terminal() {
		return domain.ErrNotFound
	}
	j.ErrorMsg = errMsg
	j.Status = domain.JobFailed
	return nil
}

func (q *stubQueue) ReapExpired(domain.Context) (int, error) { return 0, nil }

func (q *stubQueue) Stats(domain.Context) (map[domain.JobStatus]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := map[domain.JobStatus]int{}
	for _, j := range q.jobs {
		out[j.Status]++
	}
	return out, nil
}

func (q *stubQueue) Depth(domain.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.jobs {
		if j.Status == domain.JobQueued || j.Status == domain.JobRetry {
			n++
		}
	}
	return n, nil
}

type stubState struct {
	mu         sync.Mutex
	selections map[string]string
}

func (s *stubState) ActiveProject(workspace string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slug, ok := s.selections[workspace]
	return slug, ok
}

func (s *stubState) SetActiveProject(slug, workspace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selections == nil {
		s.selections = map[string]string{}
	}
	s.selections[workspace] = slug
	return nil
}

func (s *stubState) ClearActiveProject(workspace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.selections, workspace)
	return nil
}

type stubAI struct {
	summarizeErr  error
	synthesizeErr error
	doc           domain.SkillDoc
	calls         int
}

func (a *stubAI) SummarizeTurn(_ domain.Context, userMessage, _ string) (string, string, error) {
	a.calls++
	if a.summarizeErr != nil {
		return "", "", a.summarizeErr
	}
	return "title: " + userMessage, "summary of " + userMessage, nil
}

func (a *stubAI) SynthesizeSkill(domain.Context, domain.SkillRequest) (domain.SkillDoc, error) {
	a.calls++
	if a.synthesizeErr != nil {
		return domain.SkillDoc{}, a.synthesizeErr
	}
	return a.doc, nil
}

type stubStore struct {
	mu    sync.Mutex
	files map[string]string
}

func (s *stubStore) Install(name, scope, content string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files == nil {
		s.files = map[string]string{}
	}
	path := fmt.Sprintf("/%s/skills/%s/SKILL.md", scope, name)
	s.files[path] = content
	return path, nil
}

func (s *stubStore) Uninstall(name, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, fmt.Sprintf("/%s/skills/%s/SKILL.md", scope, name))
	return nil
}

func (s *stubStore) Read(name, scope string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.files[fmt.Sprintf("/%s/skills/%s/SKILL.md", scope, name)]; ok {
		return c, nil
	}
	return "", domain.ErrNotFound
}
