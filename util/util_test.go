package util_test

import (
	"testing"

	"github.com/servolab/servobench/util"
)

func TestIntSliceToCSV(t *testing.T) {
	inp := []int{150, 175, 200, 225, 250}
	expected := "150,175,200,225,250"
	out := util.IntSliceToCSV(inp)
	if expected != out {
		t.Errorf("expected %s got %s", expected, out)
	}
}

func TestIntSliceToCSVEmpty(t *testing.T) {
	out := util.IntSliceToCSV(nil)
	if out != "" {
		t.Errorf("expected empty string got %s", out)
	}
}

func TestFloatSliceToCSV(t *testing.T) {
	inp := []float64{0.5, 1.25}
	expected := "0.50,1.25"
	out := util.FloatSliceToCSV(inp, 2)
	if expected != out {
		t.Errorf("expected %s got %s", expected, out)
	}
}
