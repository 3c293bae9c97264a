package vm

import (
	"errors"
	"math"
	"testing"

	verrors "github.com/osprey-lang/ovum/errors"
)

func TestIntFromValue(t *testing.T) {
	v := newBareVM()
	th := v.MainThread()

	val := v.NewUInt(42)
	if err := IntFromValue(th, &val); err != nil {
		t.Fatal(err)
	}
	if val.Type != v.Types.Int || val.Int() != 42 {
		t.Errorf("conversion result %v", val)
	}

	// A UInt beyond the Int range overflows. Without the standard
	// error types loaded, the failure surfaces as an unmanaged
	// runtime error.
	val = v.NewUInt(math.MaxInt64 + 1)
	err := IntFromValue(th, &val)
	if err == nil {
		t.Fatal("expected overflow")
	}

	val = v.NewReal(3.9)
	if err := IntFromValue(th, &val); err != nil {
		t.Fatal(err)
	}
	if val.Int() != 3 {
		t.Errorf("real conversion = %d, want 3", val.Int())
	}
}

func TestUIntFromValue(t *testing.T) {
	v := newBareVM()
	th := v.MainThread()

	val := v.NewInt(-1)
	if err := UIntFromValue(th, &val); err == nil {
		t.Fatal("negative Int should not convert to UInt")
	}

	val = v.NewInt(77)
	if err := UIntFromValue(th, &val); err != nil {
		t.Fatal(err)
	}
	if val.Type != v.Types.UInt || val.UInt() != 77 {
		t.Errorf("conversion result %v", val)
	}
}

func TestRealFromValue(t *testing.T) {
	v := newBareVM()
	th := v.MainThread()

	val := v.NewInt(5)
	if err := RealFromValue(th, &val); err != nil {
		t.Fatal(err)
	}
	if val.Type != v.Types.Real || val.Real() != 5 {
		t.Errorf("conversion result %v", val)
	}

	val = v.NewBool(true)
	if err := RealFromValue(th, &val); err == nil {
		t.Fatal("Boolean should not convert to Real")
	}
}

func TestCheckedArithmetic(t *testing.T) {
	if _, ok := AddChecked(math.MaxInt64, 1); ok {
		t.Error("MaxInt64+1 should overflow")
	}
	if sum, ok := AddChecked(3, 4); !ok || sum != 7 {
		t.Error("3+4 failed")
	}
	if _, ok := SubChecked(math.MinInt64, 1); ok {
		t.Error("MinInt64-1 should overflow")
	}
	if _, ok := MulChecked(math.MaxInt64, 2); ok {
		t.Error("MaxInt64*2 should overflow")
	}
	if p, ok := MulChecked(-3, 4); !ok || p != -12 {
		t.Error("-3*4 failed")
	}

	if _, divZero, _ := DivChecked(1, 0); !divZero {
		t.Error("1/0 should report division by zero")
	}
	if _, divZero, overflow := DivChecked(math.MinInt64, -1); divZero || !overflow {
		t.Error("MinInt64/-1 should overflow")
	}
	if q, _, _ := DivChecked(-9, 3); q != -3 {
		t.Errorf("-9/3 = %d", q)
	}

	if _, divZero := ModChecked(5, 0); !divZero {
		t.Error("5%0 should report division by zero")
	}
	if r, _ := ModChecked(math.MinInt64, -1); r != 0 {
		t.Errorf("MinInt64 %% -1 = %d, want 0", r)
	}

	if _, ok := UAddChecked(math.MaxUint64, 1); ok {
		t.Error("MaxUint64+1 should overflow")
	}
	if s, ok := UAddChecked(1, 2); !ok || s != 3 {
		t.Error("1+2 failed")
	}
	if _, ok := USubChecked(0, 1); ok {
		t.Error("0-1 should underflow")
	}
	if _, ok := UMulChecked(math.MaxUint64, 2); ok {
		t.Error("MaxUint64*2 should overflow")
	}
	if _, ok := NegChecked(math.MinInt64); ok {
		t.Error("-MinInt64 should overflow")
	}
}

func TestGetPrime(t *testing.T) {
	tests := []struct {
		min  int32
		want int32
	}{
		{0, 3},
		{3, 3},
		{4, 7},
		{100, 107},
	}
	for _, tt := range tests {
		if got := GetPrime(tt.min); got != tt.want {
			t.Errorf("GetPrime(%d) = %d, want %d", tt.min, got, tt.want)
		}
	}
}

func TestAllocOverflowThrowsBeforeHeap(t *testing.T) {
	v := newBareVM()
	th := v.MainThread()

	used := v.GC().Gen0Used()
	_, err := v.GC().Alloc(th, nil, math.MaxUint64-8)
	if err == nil {
		t.Fatal("expected memory error")
	}
	var e *verrors.Error
	if !errors.As(err, &e) || e.Kind != verrors.KindNoMemory {
		t.Errorf("unexpected error: %v", err)
	}
	if v.GC().Gen0Used() != used {
		t.Error("overflowing allocation touched the heap")
	}
}
