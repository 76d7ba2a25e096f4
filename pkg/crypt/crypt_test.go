package crypt

import (
	"crypto/sha256"
	"testing"
)

func TestFountainProducesValidPairs(t *testing.T) {
	f := NewFountain(4)
	defer f.Stop()

	seen := make(map[[32]byte]bool)

	for i := 0; i < 200; i++ {
		pair := f.Next()

		wantHash := sha256.Sum256(pair.Preimage[:])
		if wantHash != pair.Hash {
			t.Fatalf("hash mismatch: digest(%x) != %x", pair.Preimage, pair.Hash)
		}

		if seen[pair.Preimage] {
			t.Fatalf("preimage %x reused", pair.Preimage)
		}
		seen[pair.Preimage] = true
	}
}
