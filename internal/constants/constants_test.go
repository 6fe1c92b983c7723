package constants

import (
	"testing"
	"time"
)

func TestDefaultValues(t *testing.T) {
	if DefaultBatchSize != 5 {
		t.Errorf("Expected DefaultBatchSize to be 5, got %d", DefaultBatchSize)
	}

	if DefaultConcurrency != DefaultBatchSize {
		t.Errorf("Expected DefaultConcurrency to match batch size, got %d", DefaultConcurrency)
	}

	if DefaultRetryCount != 3 {
		t.Errorf("Expected DefaultRetryCount to be 3, got %d", DefaultRetryCount)
	}

	if DefaultTokenRefresh != 30*time.Minute {
		t.Errorf("Expected DefaultTokenRefresh to be 30m, got %v", DefaultTokenRefresh)
	}

	if DefaultBucket != "hymn" {
		t.Errorf("Expected DefaultBucket to be 'hymn', got '%s'", DefaultBucket)
	}
}

func TestCollections(t *testing.T) {
	seen := map[string]bool{}
	for _, c := range Collections {
		if c == "" {
			t.Error("Collection name should not be empty")
		}
		if seen[c] {
			t.Errorf("Duplicate collection %s", c)
		}
		seen[c] = true
	}
	if len(Collections) != 6 {
		t.Errorf("Expected 6 collections, got %d", len(Collections))
	}
}

func TestPlaceholders(t *testing.T) {
	if DefaultCreatorName != "Unknown" {
		t.Errorf("Expected DefaultCreatorName 'Unknown', got '%s'", DefaultCreatorName)
	}
	if DefaultCategory != "Uncategorized" {
		t.Errorf("Expected DefaultCategory 'Uncategorized', got '%s'", DefaultCategory)
	}
}
