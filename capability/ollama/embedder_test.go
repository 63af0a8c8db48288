package ollama

import "testing"

func TestNewEmbedderHostValidation(t *testing.T) {
	t.Run("configured host is honored", func(t *testing.T) {
		if _, err := NewEmbedder("http://ollama.internal:11434", ModelMXBAI); err != nil {
			t.Fatalf("NewEmbedder: %v", err)
		}
	})

	t.Run("bare hostname is rejected", func(t *testing.T) {
		if _, err := NewEmbedder("ollama.internal", ModelMXBAI); err == nil {
			t.Fatal("expected host without scheme to be rejected")
		}
	})

	t.Run("malformed url is rejected", func(t *testing.T) {
		if _, err := NewEmbedder("://bad", ModelMXBAI); err == nil {
			t.Fatal("expected malformed host to be rejected")
		}
	})
}
