// Package eval scores intent classifiers against labelled fixtures and
// replays captured conversations through a fresh orchestrator.
package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wilhg/clinic-assist/pkg/classifier"
	"github.com/wilhg/clinic-assist/pkg/conversation"
)

// Fixture is one labelled utterance.
type Fixture struct {
	Name    string      `json:"name"`
	Message string      `json:"message"`
	History []string    `json:"history,omitempty"`
	Expect  Expectation `json:"expect"`
}

type Expectation struct {
	Intent        string            `json:"intent"`
	MinConfidence float64           `json:"minConfidence,omitempty"`
	Entities      map[string]string `json:"entities,omitempty"`
}

// Report summarizes one evaluation run.
type Report struct {
	Total   int      `json:"total"`
	Passed  int      `json:"passed"`
	Score   float64  `json:"score"`
	Details []string `json:"details,omitempty"`
	// Confusion counts expected -> predicted intents for failed fixtures.
	Confusion map[string]map[string]int `json:"confusion,omitempty"`
}

// LoadFixtures reads every .json file in dir. A file may hold one fixture
// or an array of them.
func LoadFixtures(fsys fs.FS, dir string) ([]Fixture, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	var out []Fixture
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		b, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var many []Fixture
		if err := json.Unmarshal(b, &many); err == nil {
			out = append(out, many...)
			continue
		}
		var fx Fixture
		if err := json.Unmarshal(b, &fx); err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		out = append(out, fx)
	}
	for i := range out {
		if out[i].Name == "" {
			out[i].Name = fmt.Sprintf("fixture-%d", i+1)
		}
		if _, ok := classifier.ParseIntent(out[i].Expect.Intent); !ok {
			return nil, fmt.Errorf("%s: unknown expected intent %q", out[i].Name, out[i].Expect.Intent)
		}
	}
	return out, nil
}

// EvaluateClassifier classifies every fixture with up to four calls in
// flight. A classifier error fails only that fixture. An empty fixture set
// scores 1.
func EvaluateClassifier(ctx context.Context, cls classifier.Classifier, fixtures []Fixture, now time.Time) (Report, error) {
	rep := Report{Total: len(fixtures), Confusion: map[string]map[string]int{}}
	if len(fixtures) == 0 {
		rep.Score = 1
		return rep, nil
	}
	results := make([]classifier.Classification, len(fixtures))
	failures := make([]error, len(fixtures))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, fx := range fixtures {
		g.Go(func() error {
			hist := make([]conversation.Message, len(fx.History))
			for j, h := range fx.History {
				hist[j] = conversation.Message{Role: conversation.RoleUser, Content: h, Timestamp: now}
			}
			results[i], failures[i] = cls.Classify(gctx, classifier.Request{Message: fx.Message, History: hist, Now: now})
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	for i, fx := range fixtures {
		problems := check(fx, results[i], failures[i])
		if len(problems) == 0 {
			rep.Passed++
			continue
		}
		for _, p := range problems {
			rep.Details = append(rep.Details, fx.Name+": "+p)
		}
		want, _ := classifier.ParseIntent(fx.Expect.Intent)
		got := string(results[i].Intent)
		if failures[i] != nil {
			got = "ERROR"
		}
		if rep.Confusion[string(want)] == nil {
			rep.Confusion[string(want)] = map[string]int{}
		}
		rep.Confusion[string(want)][got]++
	}
	sort.Strings(rep.Details)
	rep.Score = float64(rep.Passed) / float64(rep.Total)
	return rep, nil
}

func check(fx Fixture, c classifier.Classification, err error) []string {
	if err != nil {
		return []string{"classifier error: " + err.Error()}
	}
	var problems []string
	want, _ := classifier.ParseIntent(fx.Expect.Intent)
	if c.Intent != want {
		problems = append(problems, fmt.Sprintf("intent %s, want %s", c.Intent, want))
	}
	if c.Confidence < fx.Expect.MinConfidence {
		problems = append(problems, fmt.Sprintf("confidence %.2f below %.2f", c.Confidence, fx.Expect.MinConfidence))
	}
	for f, v := range fx.Expect.Entities {
		if got := c.Entities[conversation.Field(f)]; got != v {
			problems = append(problems, fmt.Sprintf("entity %s = %q, want %q", f, got, v))
		}
	}
	return problems
}
