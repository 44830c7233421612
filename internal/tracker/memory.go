package tracker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mergebot/mergebot/pkg/errors"
)

// MemoryTracker is an in-memory IssueTracker used by tests
type MemoryTracker struct {
	mu      sync.Mutex
	project string
	nextID  int
	issues  map[string]*Issue
}

// NewMemoryTracker creates an empty tracker bound to a project key
func NewMemoryTracker(project string) *MemoryTracker {
	return &MemoryTracker{
		project: strings.ToUpper(project),
		issues:  make(map[string]*Issue),
	}
}

// Put stores an issue, normalizing its id
func (t *MemoryTracker) Put(issue *Issue) *Issue {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, err := NormalizeID(t.project, issue.ID)
	if err == nil {
		issue.ID = id
	}
	t.issues[issue.ID] = issue
	return issue
}

// Issue looks up an issue by id
func (t *MemoryTracker) Issue(ctx context.Context, id string) (*Issue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	normalized, err := NormalizeID(t.project, id)
	if err != nil {
		return nil, err
	}
	issue, ok := t.issues[normalized]
	if !ok {
		return nil, errors.New(errors.ErrCodeIssueNotFound, "issue "+normalized+" not found")
	}
	cp := *issue
	return &cp, nil
}

// CreateIssue creates a new issue with a generated id
func (t *MemoryTracker) CreateIssue(ctx context.Context, props CreateProperties) (*Issue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	project := strings.ToUpper(props.Project)
	if project == "" {
		project = t.project
	}
	issue := &Issue{
		ID:    fmt.Sprintf("%s-%d", project, 1000+t.nextID),
		Title: props.Title,
		Type:  props.IssueType,
		State: StateOpen,
	}
	t.issues[issue.ID] = issue
	cp := *issue
	return &cp, nil
}
