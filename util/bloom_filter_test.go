package util

import (
	"fmt"
	"testing"
)

func TestShardedBloomFilterBasicMembership(t *testing.T) {
	bf, err := NewShardedBloomFilter(BloomConfig{ExpectedElements: 1024, FalsePositiveRate: 0.01})
	if err != nil {
		t.Fatalf("NewShardedBloomFilter: %v", err)
	}

	if err := bf.Add([]byte("present")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !bf.Contains([]byte("present")) {
		t.Fatal("expected Contains to report a just-added key present")
	}
}

func TestShardedBloomFilterGrowRehashesLiveKeys(t *testing.T) {
	bf, err := NewShardedBloomFilter(BloomConfig{
		ExpectedElements:  64,
		FalsePositiveRate: 0.1,
		AutoScale:         true,
		NumShards:         2,
		BitsPerShard:      64,
	})
	if err != nil {
		t.Fatalf("NewShardedBloomFilter: %v", err)
	}

	keys := make(map[string]struct{})
	bf.SetRehashSource(func(yield func(key []byte)) {
		for k := range keys {
			yield([]byte(k))
		}
	})

	const total = 500
	for i := 0; i < total; i++ {
		k := fmt.Sprintf("key-%d", i)
		keys[k] = struct{}{}
		if err := bf.Add([]byte(k)); err != nil {
			t.Fatalf("Add(%s): %v", k, err)
		}
	}

	for k := range keys {
		if !bf.Contains([]byte(k)) {
			t.Fatalf("expected %s to still test present after growth, got a false negative", k)
		}
	}
}

func TestShardedBloomFilterGrowWithoutRehashSourceErrors(t *testing.T) {
	bf, err := NewShardedBloomFilter(BloomConfig{
		ExpectedElements:  8,
		FalsePositiveRate: 0.1,
		AutoScale:         true,
		NumShards:         2,
		BitsPerShard:      64,
	})
	if err != nil {
		t.Fatalf("NewShardedBloomFilter: %v", err)
	}

	var lastErr error
	for i := 0; i < 64; i++ {
		if err := bf.Add([]byte(fmt.Sprintf("k%d", i))); err != nil {
			lastErr = err
			break
		}
	}
	if lastErr == nil {
		t.Fatal("expected Add to fail once growth is needed and no rehash source is configured")
	}
}

func TestShardedBloomFilterResetClearsMembership(t *testing.T) {
	bf, err := NewShardedBloomFilter(BloomConfig{ExpectedElements: 64, FalsePositiveRate: 0.1})
	if err != nil {
		t.Fatalf("NewShardedBloomFilter: %v", err)
	}
	if err := bf.Add([]byte("k")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	bf.Reset()
	if bf.Contains([]byte("k")) {
		t.Fatal("expected Reset to clear previously-added membership")
	}
}
