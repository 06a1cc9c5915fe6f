package eval

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/wilhg/clinic-assist/pkg/classifier"
)

var evalNow = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

func TestEvaluateKeywordClassifier(t *testing.T) {
	fsys := fstest.MapFS{
		"cases/booking.json": {Data: []byte(`{"name":"book","message":"I'd like to book a cleaning tomorrow at 3pm","expect":{"intent":"APPOINTMENT_REQUEST","minConfidence":0.6,"entities":{"preferredDate":"2025-03-04","preferredTime":"15:00"}}}`)},
		"cases/many.json": {Data: []byte(`[
			{"name":"human","message":"Can I talk to a real person please","expect":{"intent":"HUMAN_REQUEST","minConfidence":0.6}},
			{"name":"wrong","message":"hello","expect":{"intent":"complaint"}}
		]`)},
		"cases/readme.txt": {Data: []byte("ignored")},
	}
	fixtures, err := LoadFixtures(fsys, "cases")
	if err != nil {
		t.Fatal(err)
	}
	if len(fixtures) != 3 {
		t.Fatalf("loaded %d fixtures", len(fixtures))
	}
	rep, err := EvaluateClassifier(context.Background(), classifier.NewKeyword(nil), fixtures, evalNow)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Total != 3 || rep.Passed != 2 {
		t.Fatalf("report: %+v", rep)
	}
	if len(rep.Details) != 1 || !strings.HasPrefix(rep.Details[0], "wrong: intent GREETING") {
		t.Fatalf("details: %v", rep.Details)
	}
	if rep.Confusion["COMPLAINT"]["GREETING"] != 1 {
		t.Fatalf("confusion: %v", rep.Confusion)
	}
}

func TestEvaluateCountsClassifierErrors(t *testing.T) {
	failing := classifier.Func(func(context.Context, classifier.Request) (classifier.Classification, error) {
		return classifier.Classification{}, errors.New("model offline")
	})
	rep, err := EvaluateClassifier(context.Background(), failing, []Fixture{{Name: "x", Message: "hi", Expect: Expectation{Intent: "GREETING"}}}, evalNow)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Passed != 0 || rep.Score != 0 || rep.Confusion["GREETING"]["ERROR"] != 1 {
		t.Fatalf("report: %+v", rep)
	}
}

func TestLoadFixturesErrors(t *testing.T) {
	if _, err := LoadFixtures(fstest.MapFS{}, "cases"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("missing dir: %v", err)
	}
	bad := fstest.MapFS{"cases/a.json": {Data: []byte(`{"name":"a","message":"hi","expect":{"intent":"DANCE"}}`)}}
	if _, err := LoadFixtures(bad, "cases"); err == nil {
		t.Fatal("expected unknown intent error")
	}
	rep, err := EvaluateClassifier(context.Background(), classifier.NewKeyword(nil), nil, evalNow)
	if err != nil || rep.Score != 1 {
		t.Fatalf("empty set: %+v %v", rep, err)
	}
}
