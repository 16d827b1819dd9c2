package unifloat

import (
	"math"
	"testing"
)

func TestWireEncodeZero(t *testing.T) {
	v, err := WireEncode(0, RoundNearest, true)
	if err != nil || v != 0 {
		t.Fatalf("WireEncode(0) = %d, %v", v, err)
	}
	v, err = WireEncode(0, RoundUp, false)
	if err != nil || v != 1 {
		t.Fatalf("WireEncode(0, up, !allowZero) = %d, %v, want 1", v, err)
	}
}

func TestWireRoundTripMonotonic(t *testing.T) {
	cases := []float64{1.0, 0.001, 1e10, 3.14159, 1e-10}
	for _, x := range cases {
		up, err := WireEncode(x, RoundUp, true)
		if err != nil {
			t.Fatalf("WireEncode(%v, up) error: %v", x, err)
		}
		upVal, _, _ := WireDecode(up, 0, true)
		if upVal < x {
			t.Errorf("round-up decode %v < input %v (wire=%d)", upVal, x, up)
		}

		down, err := WireEncode(x, RoundDown, true)
		if err != nil {
			t.Fatalf("WireEncode(%v, down) error: %v", x, err)
		}
		downVal, _, _ := WireDecode(down, 0, true)
		if downVal > x {
			t.Errorf("round-down decode %v > input %v (wire=%d)", downVal, x, down)
		}

		if down > up {
			t.Errorf("round-down wire %d should be <= round-up wire %d for %v", down, up, x)
		}
	}
}

func TestWireEncodeRejectsNegative(t *testing.T) {
	if _, err := WireEncode(-1, RoundNearest, true); err == nil {
		t.Fatalf("expected error encoding a negative magnitude")
	}
}

func TestAddBasic(t *testing.T) {
	got := Add(1.0, 2.0, RoundNearest, false)
	if math.Abs(got-3.0) > 1e-9 {
		t.Errorf("Add(1,2) = %v, want ~3", got)
	}
}

func TestAddAverage(t *testing.T) {
	got := Add(2.0, 4.0, RoundNearest, true)
	if math.Abs(got-3.0) > 1e-9 {
		t.Errorf("Average(2,4) = %v, want ~3", got)
	}
}

func TestMultiplyBasic(t *testing.T) {
	got := Multiply(3.0, 4.0, RoundNearest)
	if math.Abs(got-12.0) > 1e-6 {
		t.Errorf("Multiply(3,4) = %v, want ~12", got)
	}
}

func TestDivideBasic(t *testing.T) {
	got := Divide(10.0, 4.0, RoundNearest)
	if math.Abs(got-2.5) > 1e-6 {
		t.Errorf("Divide(10,4) = %v, want ~2.5", got)
	}
}

func TestDivideByZero(t *testing.T) {
	got := Divide(5.0, 0, RoundNearest)
	if got != math.MaxFloat64 {
		t.Errorf("Divide(5,0) = %v, want +MaxFloat64", got)
	}
	got = Divide(-5.0, 0, RoundNearest)
	if got != -math.MaxFloat64 {
		t.Errorf("Divide(-5,0) = %v, want -MaxFloat64", got)
	}
}

func TestPower(t *testing.T) {
	if got := Power(2.0, 0); got != 1 {
		t.Errorf("Power(2,0) = %v, want 1", got)
	}
	if got := Power(2.0, -1); got != 0 {
		t.Errorf("Power(2,-1) = %v, want 0", got)
	}
	got := Power(2.0, 10)
	if math.Abs(got-1024.0) > 1e-3 {
		t.Errorf("Power(2,10) = %v, want ~1024", got)
	}
}

func TestCheckLEToleratesWireRounding(t *testing.T) {
	b := 1.0 / 3.0
	wire, _ := WireEncode(b, RoundDown, true)
	truncated, _, _ := WireDecode(wire, 0, true)
	if !CheckLE(truncated, b) {
		t.Errorf("CheckLE should hold trivially when truncated <= b")
	}
	// truncated is <= b by construction (RoundDown); CheckLE should
	// also tolerate a value slightly above b within 2 ULPs.
	if !CheckLE(b, b) {
		t.Errorf("CheckLE(b, b) should hold")
	}
}

func TestApplySign(t *testing.T) {
	if got := ApplySign(3.0, -1); got != -3.0 {
		t.Errorf("ApplySign(3,-1) = %v, want -3", got)
	}
	if got := ApplySign(-3.0, 1); got != 3.0 {
		t.Errorf("ApplySign(-3,1) = %v, want 3", got)
	}
}
