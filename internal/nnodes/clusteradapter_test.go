package nnodes

import "testing"

func TestWeightCmp(t *testing.T) {
	half := FracWeight(1, 2)
	quarter := FracWeight(1, 4)
	whole := FracWeight(1, 1)

	if half.Cmp(quarter) <= 0 {
		t.Fatalf("expected 1/2 > 1/4")
	}
	if quarter.Cmp(half) >= 0 {
		t.Fatalf("expected 1/4 < 1/2")
	}
	if whole.Cmp(FracWeight(2, 2)) != 0 {
		t.Fatalf("expected 1/1 == 2/2")
	}
}

func TestWeightAddSub(t *testing.T) {
	a := FracWeight(1, 4)
	b := FracWeight(1, 2)

	sum := a.Add(b)
	if sum.Float() != 0.75 {
		t.Fatalf("expected 1/4 + 1/2 = 0.75, got %v", sum.Float())
	}

	diff := b.Sub(a)
	if diff.Float() != 0.25 {
		t.Fatalf("expected 1/2 - 1/4 = 0.25, got %v", diff.Float())
	}
}

func TestWeightLessEq(t *testing.T) {
	used := FracWeight(3, 4)
	capacity := FracWeight(1, 1)

	if !used.LessEq(capacity) {
		t.Fatalf("expected 3/4 <= 1")
	}
	if capacity.LessEq(used) {
		t.Fatalf("expected 1 > 3/4")
	}
}

func TestIntWeightIsMultiprocessing(t *testing.T) {
	w := IntWeight(4)
	if !w.Multiprocessing {
		t.Fatalf("expected IntWeight to tag Multiprocessing=true")
	}
	if w.Float() != 4 {
		t.Fatalf("expected weight of 4, got %v", w.Float())
	}
}

func TestFracWeightZeroDenDefaultsToOne(t *testing.T) {
	w := FracWeight(3, 0)
	if w.Den != 1 {
		t.Fatalf("expected zero denominator to default to 1, got %d", w.Den)
	}
}
