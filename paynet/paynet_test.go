package paynet

import (
	"math"
	"reflect"
	"testing"
)

func TestAmountSplit(t *testing.T) {
	tests := []struct {
		amount   uint64
		expected []uint64
	}{
		{amount: 13, expected: []uint64{1, 4, 8}},
		{amount: 512, expected: []uint64{512}},
		{amount: 2500, expected: []uint64{4, 64, 128, 256, 2048}},
		{amount: 0, expected: []uint64{}},
	}

	for _, test := range tests {
		result := AmountSplit(test.amount)
		if !reflect.DeepEqual(result, test.expected) {
			t.Errorf("expected '%v' but got '%v' instead", test.expected, result)
		}
	}
}

func TestAmountSplitMaxAmount(t *testing.T) {
	// every bit set: one denomination per power-of-two slot
	split := AmountSplit(math.MaxUint64)
	if len(split) != 64 {
		t.Fatalf("expected 64 denominations but got %v", len(split))
	}

	var total uint64
	for i, amount := range split {
		if amount != uint64(1)<<i {
			t.Errorf("expected denomination '%v' at slot %v but got '%v'", uint64(1)<<i, i, amount)
		}
		total += amount
	}
	if total != math.MaxUint64 {
		t.Errorf("split does not add back up: got %v", total)
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	tests := []struct {
		amount   uint64
		expected bool
	}{
		{0, false},
		{1, true},
		{2, true},
		{3, false},
		{4, true},
		{6, false},
		{1 << 63, true},
		{(1 << 63) + 1, false},
	}

	for _, test := range tests {
		if IsPowerOfTwo(test.amount) != test.expected {
			t.Errorf("IsPowerOfTwo(%v): expected %v", test.amount, test.expected)
		}
	}
}

func TestDenominationSlot(t *testing.T) {
	tests := []struct {
		amount   uint64
		expected uint
	}{
		{1, 0},
		{2, 1},
		{8, 3},
		{1 << 63, 63},
	}

	for _, test := range tests {
		if slot := DenominationSlot(test.amount); slot != test.expected {
			t.Errorf("DenominationSlot(%v): expected %v but got %v", test.amount, test.expected, slot)
		}
	}
}

func TestOverflowAddUint64(t *testing.T) {
	tests := []struct {
		a                uint64
		b                uint64
		expectedUint64   uint64
		expectedOverflow bool
	}{
		{
			a:                21,
			b:                42,
			expectedUint64:   63,
			expectedOverflow: false,
		},
		{
			a:                math.MaxUint64 - 5,
			b:                10,
			expectedUint64:   math.MaxUint64,
			expectedOverflow: true,
		},
	}

	for _, test := range tests {
		result, overflow := OverflowAddUint64(test.a, test.b)
		if result != test.expectedUint64 {
			t.Fatalf("expected result '%v' but got '%v'", test.expectedUint64, result)
		}

		if overflow != test.expectedOverflow {
			t.Fatalf("expected overflow '%v' but got '%v'", test.expectedOverflow, overflow)
		}
	}
}

func TestUnderflowSubUint64(t *testing.T) {
	tests := []struct {
		a                 uint64
		b                 uint64
		expectedUint64    uint64
		expectedUnderflow bool
	}{
		{
			a:                 42,
			b:                 21,
			expectedUint64:    21,
			expectedUnderflow: false,
		},
		{
			a:                 10,
			b:                 210,
			expectedUint64:    0,
			expectedUnderflow: true,
		},
	}

	for _, test := range tests {
		result, underflow := UnderflowSubUint64(test.a, test.b)
		if result != test.expectedUint64 {
			t.Fatalf("expected result '%v' but got '%v'", test.expectedUint64, result)
		}

		if underflow != test.expectedUnderflow {
			t.Fatalf("expected underflow '%v' but got '%v'", test.expectedUnderflow, underflow)
		}
	}
}

func TestProofsAmountOverflow(t *testing.T) {
	proofs := Proofs{
		{Amount: math.MaxUint64},
		{Amount: 1},
	}
	if _, err := proofs.Amount(); err == nil {
		t.Error("expected overflow error summing proofs")
	}
}

func TestCheckDuplicateProofs(t *testing.T) {
	proofs := Proofs{
		{Amount: 1, Secret: "a"},
		{Amount: 2, Secret: "b"},
	}
	if CheckDuplicateProofs(proofs) {
		t.Error("expected no duplicates")
	}

	proofs = append(proofs, Proof{Amount: 4, Secret: "a"})
	if !CheckDuplicateProofs(proofs) {
		t.Error("expected duplicates to be detected")
	}
}
