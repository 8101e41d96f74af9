package stats

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestPercentileInterpolation(t *testing.T) {
	values := []float64{10, 20, 30, 40}

	// p=0.25 falls between the first and second value: idx 0.75.
	got, ok := Percentile(values, 0.25)
	if !ok {
		t.Fatal("Percentile: no result")
	}
	if !almostEqual(got, 17.5) {
		t.Errorf("Percentile(0.25) = %g, want 17.5", got)
	}

	got, ok = Percentile(values, 0)
	if !ok || !almostEqual(got, 10) {
		t.Errorf("Percentile(0) = %g, want 10", got)
	}

	got, ok = Percentile(values, 1)
	if !ok || !almostEqual(got, 40) {
		t.Errorf("Percentile(1) = %g, want 40", got)
	}
}

func TestPercentileUnsortedInput(t *testing.T) {
	values := []float64{30, 10, 40, 20}

	got, ok := Percentile(values, 0.5)
	if !ok || !almostEqual(got, 25) {
		t.Errorf("Percentile(0.5) = %g, want 25", got)
	}

	// Input must stay untouched.
	if values[0] != 30 || values[3] != 20 {
		t.Errorf("input mutated: %v", values)
	}
}

func TestPercentileEmpty(t *testing.T) {
	if _, ok := Percentile(nil, 0.5); ok {
		t.Error("Percentile of empty input should report no result")
	}
}

func TestMedianOddAndEven(t *testing.T) {
	got, ok := Median([]float64{0.01, 0.02, 0.03})
	if !ok || !almostEqual(got, 0.02) {
		t.Errorf("Median = %g, want 0.02", got)
	}

	got, ok = Median([]float64{1, 2, 3, 4})
	if !ok || !almostEqual(got, 2.5) {
		t.Errorf("Median = %g, want 2.5", got)
	}
}

func TestMean(t *testing.T) {
	got, ok := Mean([]float64{1, 2, 3})
	if !ok || !almostEqual(got, 2) {
		t.Errorf("Mean = %g, want 2", got)
	}

	if _, ok := Mean(nil); ok {
		t.Error("Mean of empty input should report no result")
	}
}

func TestStddevSample(t *testing.T) {
	// Sample standard deviation divides by n-1.
	got, ok := Stddev([]float64{0.01, 0.02, 0.03})
	if !ok || !almostEqual(got, 0.01) {
		t.Errorf("Stddev = %g, want 0.01", got)
	}
}

func TestStddevNeedsTwoValues(t *testing.T) {
	if _, ok := Stddev([]float64{5}); ok {
		t.Error("Stddev of one value should report no result")
	}
}

func TestSummary(t *testing.T) {
	box, ok := Summary([]float64{1, 2, 3, 4, 5})
	if !ok {
		t.Fatal("Summary: no result")
	}

	if !almostEqual(box.WhisLo, 1) {
		t.Errorf("WhisLo = %g, want 1", box.WhisLo)
	}
	if !almostEqual(box.Q1, 2) {
		t.Errorf("Q1 = %g, want 2", box.Q1)
	}
	if !almostEqual(box.Med, 3) {
		t.Errorf("Med = %g, want 3", box.Med)
	}
	if !almostEqual(box.Q3, 4) {
		t.Errorf("Q3 = %g, want 4", box.Q3)
	}
	if !almostEqual(box.WhisHi, 5) {
		t.Errorf("WhisHi = %g, want 5", box.WhisHi)
	}
}
