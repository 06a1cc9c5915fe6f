// Package prompt keeps versioned prompt templates for model-backed
// components and lints them before they are stored.
package prompt

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"text/template"
)

// Prompt is one version of a named template. Body uses text/template syntax.
type Prompt struct {
	Name    string
	Version int
	Body    string
	// Requires lists template fields (e.g. "Message") that must be referenced.
	Requires []string
	Meta     map[string]string
}

// Issue describes a lint finding.
type Issue struct {
	Rule    string
	Message string
}

// Lint runs basic checks on prompts.
func Lint(p Prompt) []Issue {
	var issues []Issue
	if p.Name == "" {
		issues = append(issues, Issue{Rule: "name.required", Message: "name is required"})
	}
	if strings.TrimSpace(p.Body) == "" {
		issues = append(issues, Issue{Rule: "body.required", Message: "body is empty"})
		return issues
	}
	if containsSecretLike(p.Body) {
		issues = append(issues, Issue{Rule: "security.secrets", Message: "body appears to contain secrets-like content"})
	}
	if _, err := template.New(p.Name).Option("missingkey=error").Parse(p.Body); err != nil {
		issues = append(issues, Issue{Rule: "template.parse", Message: err.Error()})
	}
	for _, f := range p.Requires {
		if !strings.Contains(p.Body, "."+f) {
			issues = append(issues, Issue{Rule: "template.requires", Message: fmt.Sprintf("body does not reference .%s", f)})
		}
	}
	return issues
}

func containsSecretLike(s string) bool {
	ls := strings.ToLower(s)
	for _, n := range []string{"aws_secret_access_key", "begin private key", "sk-", "bearer "} {
		if strings.Contains(ls, n) {
			return true
		}
	}
	return false
}

// Store is an in-memory versioned prompt store.
type Store struct {
	mu   sync.RWMutex
	data map[string][]Prompt // name -> versions (ascending)
}

func NewStore() *Store { return &Store{data: make(map[string][]Prompt)} }

var (
	ErrLintFailed = errors.New("prompt failed lint checks")
	ErrNotFound   = errors.New("prompt not found")
)

// Save adds a new version. The first version of a name is 1.
// Lint failures return ErrLintFailed together with the issues.
func (s *Store) Save(p Prompt) (Prompt, []Issue, error) {
	issues := Lint(p)
	if len(issues) > 0 {
		return Prompt{}, issues, ErrLintFailed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.data[p.Name]
	next := 1
	if len(versions) > 0 {
		next = versions[len(versions)-1].Version + 1
	}
	np := Prompt{Name: p.Name, Version: next, Body: p.Body, Requires: p.Requires, Meta: p.Meta}
	s.data[p.Name] = append(versions, np)
	return np, nil, nil
}

// Get retrieves a specific version; version <= 0 returns the latest.
func (s *Store) Get(name string, version int) (Prompt, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.data[name]
	if len(versions) == 0 {
		return Prompt{}, false
	}
	if version <= 0 {
		return versions[len(versions)-1], true
	}
	i := sort.Search(len(versions), func(i int) bool { return versions[i].Version >= version })
	if i < len(versions) && versions[i].Version == version {
		return versions[i], true
	}
	return Prompt{}, false
}

// List returns all versions for a name in ascending order.
func (s *Store) List(name string) []Prompt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Prompt(nil), s.data[name]...)
}

// Render executes a stored template against data. Missing keys are errors.
func (s *Store) Render(name string, version int, data any) (string, Prompt, error) {
	p, ok := s.Get(name, version)
	if !ok {
		return "", Prompt{}, fmt.Errorf("%w: %s v%d", ErrNotFound, name, version)
	}
	tmpl, err := template.New(p.Name).Option("missingkey=error").Parse(p.Body)
	if err != nil {
		return "", p, err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", p, fmt.Errorf("render %s v%d: %w", p.Name, p.Version, err)
	}
	return buf.String(), p, nil
}
