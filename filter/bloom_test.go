package filter

import (
	"fmt"
	"testing"
)

func TestNewBloomFilter_ValidParameters(t *testing.T) {
	tests := []struct {
		name              string
		numElements       uint64
		falsePositiveRate float64
		expectError       bool
	}{
		{"typical", 1000, 0.01, false},
		{"large_elements", 100000, 0.001, false},
		{"zero_elements", 0, 0.01, false},
		{"invalid_fpr_zero", 100, 0.0, true},
		{"invalid_fpr_one", 100, 1.0, true},
		{"invalid_fpr_negative", 100, -0.1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bf, err := NewBloomFilter(tt.numElements, tt.falsePositiveRate)
			if (err != nil) != tt.expectError {
				t.Fatalf("NewBloomFilter() error = %v, expectError %v", err, tt.expectError)
			}
			if tt.expectError {
				if bf != nil {
					t.Errorf("expected nil filter on error")
				}
				return
			}
			if bf == nil || bf.numBits == 0 || bf.numHashes == 0 {
				t.Errorf("NewBloomFilter() created invalid filter: %+v", bf)
			}
		})
	}
}

func TestBloomFilter_AddContains(t *testing.T) {
	bf, err := NewBloomFilter(1000, 0.01)
	if err != nil {
		t.Fatalf("NewBloomFilter: %v", err)
	}

	present := make([][]byte, 0, 500)
	for i := 0; i < 500; i++ {
		k := []byte(fmt.Sprintf("key-%d", i))
		bf.Add(k)
		present = append(present, k)
	}

	for _, k := range present {
		if !bf.Contains(k) {
			t.Fatalf("expected filter to contain inserted key %q", k)
		}
	}

	falsePositives := 0
	for i := 500; i < 1500; i++ {
		if bf.Contains([]byte(fmt.Sprintf("absent-%d", i))) {
			falsePositives++
		}
	}
	if falsePositives > 100 {
		t.Errorf("unexpectedly high false positive count: %d/1000", falsePositives)
	}
}

func TestBloomFilter_SerializeRoundTrip(t *testing.T) {
	bf, err := NewBloomFilter(100, 0.05)
	if err != nil {
		t.Fatalf("NewBloomFilter: %v", err)
	}
	bf.Add([]byte("alpha"))
	bf.Add([]byte("beta"))

	data := bf.Bytes()
	restored, err := DeserializeBloomFilter(data)
	if err != nil {
		t.Fatalf("DeserializeBloomFilter: %v", err)
	}
	if !restored.Contains([]byte("alpha")) || !restored.Contains([]byte("beta")) {
		t.Fatalf("round-tripped filter lost membership")
	}

	if _, err := DeserializeBloomFilter([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for too-short data")
	}
}

func TestBloomFilter_NilAndEmpty(t *testing.T) {
	var bf *BloomFilter
	if bf.Contains([]byte("x")) {
		t.Fatalf("nil filter must report absence")
	}
}
