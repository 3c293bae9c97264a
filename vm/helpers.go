package vm

import (
	"math"
	"math/bits"
)

// Numeric coercion between the primitive standard types. Each helper
// rewrites the value in place and throws the appropriate managed error
// on failure, mirroring the semantics the standard library relies on.

// IntFromValue coerces v to an Int, throwing OverflowError when a UInt
// or Real payload does not fit and TypeError for other types.
func IntFromValue(t *Thread, v *Value) error {
	types := &t.vm.Types
	switch v.Type {
	case types.Int:
		return nil
	case types.UInt:
		if v.Bits > math.MaxInt64 {
			return t.ThrowOverflowError(nil)
		}
		v.Type = types.Int
		return nil
	case types.Real:
		r := v.Real()
		if r > math.MaxInt64 || r < math.MinInt64 {
			return t.ThrowOverflowError(nil)
		}
		*v = t.vm.NewInt(int64(r))
		return nil
	}
	return t.ThrowTypeError(errToIntFailed)
}

// UIntFromValue coerces v to a UInt.
func UIntFromValue(t *Thread, v *Value) error {
	types := &t.vm.Types
	switch v.Type {
	case types.UInt:
		return nil
	case types.Int:
		if v.Int() < 0 {
			return t.ThrowOverflowError(nil)
		}
		v.Type = types.UInt
		return nil
	case types.Real:
		r := v.Real()
		if r > math.MaxUint64 || r < 0 {
			return t.ThrowOverflowError(nil)
		}
		*v = t.vm.NewUInt(uint64(r))
		return nil
	}
	return t.ThrowTypeError(errToUIntFailed)
}

// RealFromValue coerces v to a Real. Loss of precision on large
// integers is not an error.
func RealFromValue(t *Thread, v *Value) error {
	types := &t.vm.Types
	switch v.Type {
	case types.Real:
		return nil
	case types.Int:
		*v = t.vm.NewReal(float64(v.Int()))
		return nil
	case types.UInt:
		*v = t.vm.NewReal(float64(v.UInt()))
		return nil
	}
	return t.ThrowTypeError(errToRealFailed)
}

// StringFromValue coerces v to a String, invoking toString when
// necessary; a toString that does not return a string is a TypeError.
// Null becomes the empty string.
func StringFromValue(t *Thread, v *Value) error {
	if v.Type == t.vm.Types.String {
		return nil
	}
	if v.Type == nil {
		*v = t.vm.NewString(strEmpty)
		return nil
	}

	t.push(*v)
	var result Value
	if err := t.InvokeMember(strToString, 0, &result); err != nil {
		return err
	}
	if result.Type != t.vm.Types.String {
		return t.ThrowTypeError(errToStringWrongType)
	}
	*v = result
	return nil
}

var (
	errToIntFailed       = NewStaticString("The value could not be converted to an Int.")
	errToUIntFailed      = NewStaticString("The value could not be converted to a UInt.")
	errToRealFailed      = NewStaticString("The value could not be converted to a Real.")
	errToStringWrongType = NewStaticString("The return value of toString must be a string.")
)

// Overflow-checked arithmetic for the standard numeric operators.

// AddChecked returns a+b, reporting overflow.
func AddChecked(a, b int64) (int64, bool) {
	sum := a + b
	if (a > 0 && b > 0 && sum < 0) || (a < 0 && b < 0 && sum >= 0) {
		return 0, false
	}
	return sum, true
}

// SubChecked returns a-b, reporting overflow.
func SubChecked(a, b int64) (int64, bool) {
	diff := a - b
	if (a >= 0 && b < 0 && diff < 0) || (a < 0 && b > 0 && diff >= 0) {
		return 0, false
	}
	return diff, true
}

// MulChecked returns a*b, reporting overflow.
func MulChecked(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	p := a * b
	if p/b != a {
		return 0, false
	}
	return p, true
}

// DivChecked returns a/b; INT64_MIN / -1 overflows and division by
// zero is reported separately.
func DivChecked(a, b int64) (result int64, divByZero, overflow bool) {
	if b == 0 {
		return 0, true, false
	}
	if a == math.MinInt64 && b == -1 {
		return 0, false, true
	}
	return a / b, false, false
}

// ModChecked returns a%b with the same special cases as DivChecked.
func ModChecked(a, b int64) (result int64, divByZero bool) {
	if b == 0 {
		return 0, true
	}
	if a == math.MinInt64 && b == -1 {
		// The quotient overflows but the remainder is well-defined.
		return 0, false
	}
	return a % b, false
}

// UAddChecked returns a+b for unsigned operands, reporting overflow.
func UAddChecked(a, b uint64) (uint64, bool) {
	sum, carry := bits.Add64(a, b, 0)
	return sum, carry == 0
}

// USubChecked returns a-b for unsigned operands, reporting underflow.
func USubChecked(a, b uint64) (uint64, bool) {
	diff, borrow := bits.Sub64(a, b, 0)
	return diff, borrow == 0
}

// UMulChecked returns a*b for unsigned operands, reporting overflow.
func UMulChecked(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi == 0
}

// NegChecked returns -a, reporting overflow for INT64_MIN.
func NegChecked(a int64) (int64, bool) {
	if a == math.MinInt64 {
		return 0, false
	}
	return -a, true
}

// hashPrimes is the table used when growing hash storage.
var hashPrimes = []int32{
	3, 7, 11, 17, 23, 29, 37, 47, 59, 71, 89, 107, 131, 163, 197,
	239, 293, 353, 431, 521, 631, 761, 919, 1103, 1327, 1597, 1931,
	2333, 2801, 3371, 4049, 4861, 5839, 7013, 8419, 10103, 12143,
	14591, 17519, 21023, 25229, 30293, 36353, 43627, 52361, 62851,
	75431, 90523, 108631, 130363, 156437, 187751, 225307, 270371,
	324449, 389357, 467237, 560689, 672827, 807403, 968897, 1162687,
	1395263, 1674319, 2009191, 2411033, 2893249, 3471899, 4166287,
	4999559, 5999471, 7199369,
}

// GetPrime returns the smallest known prime that is at least min.
func GetPrime(min int32) int32 {
	for _, p := range hashPrimes {
		if p >= min {
			return p
		}
	}
	for i := min | 1; i < math.MaxInt32; i += 2 {
		if isPrime(i) {
			return i
		}
	}
	return min
}

func isPrime(n int32) bool {
	if n&1 == 0 {
		return n == 2
	}
	max := int32(math.Sqrt(float64(n)))
	for div := int32(3); div <= max; div += 2 {
		if n%div == 0 {
			return false
		}
	}
	return true
}
