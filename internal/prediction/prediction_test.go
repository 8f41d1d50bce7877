package prediction

import "testing"

func TestRankKeepsStableOrder(t *testing.T) {
	preds := Rank(FromScores([]string{"a", "b", "c"}, []float64{0.9, 0.05, 0.05}), DefaultTopK)
	want := []Prediction{{"a", 0.9}, {"b", 0.05}, {"c", 0.05}}
	if len(preds) != len(want) {
		t.Fatalf("expected %d predictions, got %d", len(want), len(preds))
	}
	for i := range want {
		if preds[i] != want[i] {
			t.Fatalf("position %d: expected %+v, got %+v", i, want[i], preds[i])
		}
	}
}

func TestRankSortsDescendingAndTruncates(t *testing.T) {
	labels := []string{"a", "b", "c", "d", "e", "f", "g"}
	scores := []float64{0.1, 0.3, 0.05, 0.2, 0.15, 0.12, 0.08}
	preds := Rank(FromScores(labels, scores), 5)
	if len(preds) != 5 {
		t.Fatalf("expected 5 predictions, got %d", len(preds))
	}
	order := []string{"b", "d", "e", "f", "a"}
	for i, label := range order {
		if preds[i].Label != label {
			t.Fatalf("position %d: expected %s, got %s", i, label, preds[i].Label)
		}
	}
}

func TestRankDoesNotMutateInput(t *testing.T) {
	in := []Prediction{{"x", 0.1}, {"y", 0.9}}
	_ = Rank(in, 0)
	if in[0].Label != "x" {
		t.Fatalf("input reordered: %+v", in)
	}
}

func TestFromScoresMismatchedLengths(t *testing.T) {
	preds := FromScores([]string{"only"}, []float64{0.4, 1.7, -0.2})
	if len(preds) != 3 {
		t.Fatalf("expected one prediction per score, got %d", len(preds))
	}
	if preds[1].Label != "class_1" || preds[1].Confidence != 1 {
		t.Fatalf("unexpected overflow prediction %+v", preds[1])
	}
	if preds[2].Confidence != 0 {
		t.Fatalf("expected negative score clamped, got %v", preds[2].Confidence)
	}
	if got := FromScores([]string{"a", "b"}, []float64{0.3}); len(got) != 1 {
		t.Fatalf("expected labels without scores dropped, got %+v", got)
	}
}

func TestBatchTop(t *testing.T) {
	if _, ok := (Batch{}).Top(); ok {
		t.Fatal("expected empty batch to have no top prediction")
	}
	b := Batch{Predictions: []Prediction{{"a", 0.7}}}
	if top, ok := b.Top(); !ok || top.Label != "a" {
		t.Fatalf("unexpected top %+v", top)
	}
	if MaxScore([]float64{0.2, 0.8, 0.1}) != 0.8 {
		t.Fatal("unexpected max score")
	}
}
