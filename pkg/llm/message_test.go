package llm

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

// --- ContentBlock ---

func TestContentBlock_Kind(t *testing.T) {
	tests := []struct {
		block ContentBlock
		want  BlockKind
	}{
		{ContentBlock{}, KindNone},
		{NewText("x"), KindText},
		{ContentBlock{Image: &ImageBlock{Format: "png"}}, KindImage},
		{ContentBlock{Document: &DocumentBlock{Format: "pdf"}}, KindDocument},
		{NewToolUse("t1", "f", nil), KindToolUse},
		{NewToolResult("t1"), KindToolResult},
		{ContentBlock{ReasoningContent: &ReasoningBlock{}}, KindReasoning},
		{NewCachePoint(), KindCachePoint},
	}
	for _, tt := range tests {
		if got := tt.block.Kind(); got != tt.want {
			t.Errorf("Kind() = %v, expected %v", got, tt.want)
		}
	}
}

func TestMessage_HasContent(t *testing.T) {
	m := Message{Role: RoleUser, Content: []ContentBlock{{}, NewCachePoint()}}
	if m.HasContent() {
		t.Error("null entries and cache markers should not count as content")
	}
	m.Content = append(m.Content, NewText("x"))
	if !m.HasContent() {
		t.Error("text should count as content")
	}
}

func TestContentBlock_JSONShape(t *testing.T) {
	raw := `{"role":"user","content":[{"text":"hi"},{"image":{"format":"png","source":{"bytes":"aGVsbG8="}}},{"cachePoint":{"type":"default"}}]}`
	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(m.Content) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(m.Content))
	}
	img := m.Content[1].Image
	if img == nil || !img.Source.Bytes.Pending() {
		t.Fatal("image bytes should be pending until normalized")
	}
	if img.MediaType() != "image/png" {
		t.Errorf("MediaType() = %q, expected image/png", img.MediaType())
	}
	if m.Content[2].CachePoint == nil || m.Content[2].CachePoint.Type != CachePointDefault {
		t.Error("cache point not decoded")
	}
}

// --- Blob ---

func TestBlob_Base64(t *testing.T) {
	b := Blob{Bytes: []byte("hello")}
	if b.Base64() != "aGVsbG8=" {
		t.Errorf("Base64() = %q", b.Base64())
	}
	if b.Len() != 5 {
		t.Errorf("Len() = %d, expected 5", b.Len())
	}

	pending := Blob{Encoded: "aGVsbG8="}
	if pending.Base64() != "aGVsbG8=" {
		t.Errorf("pending Base64() = %q, expected encoded text unchanged", pending.Base64())
	}
	if pending.Len() < 5 {
		t.Errorf("pending Len() = %d, expected estimate of at least 5", pending.Len())
	}
}

func TestMediaType_JPGAlias(t *testing.T) {
	if got := (ImageBlock{Format: "JPG"}).MediaType(); got != "image/jpeg" {
		t.Errorf("MediaType() = %q, expected image/jpeg", got)
	}
	if got := (DocumentBlock{Format: "unknown"}).MediaType(); got != "application/octet-stream" {
		t.Errorf("MediaType() = %q, expected application/octet-stream", got)
	}
}

// --- Registry ---

func TestNewProvider_UnknownKind(t *testing.T) {
	_, err := NewProvider(context.Background(), ProviderConfig{Name: "x", Kind: "openai"})
	if err == nil {
		t.Fatal("expected error for unsupported kind")
	}
	if !strings.Contains(err.Error(), "anthropic") {
		t.Errorf("error should list available kinds: %v", err)
	}
}

func TestNewProvider_APIKeyFromEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "from-env")

	p, err := NewProvider(context.Background(), ProviderConfig{Kind: "Anthropic"})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if p.Name() != KindAnthropic {
		t.Errorf("Name() = %q, expected default name %q", p.Name(), KindAnthropic)
	}
}

func TestAPIKeyFromEnv_Fallback(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "google")
	if got := APIKeyFromEnv(KindGemini); got != "google" {
		t.Errorf("APIKeyFromEnv() = %q, expected fallback key", got)
	}
}

func TestProviderSet_Lookup(t *testing.T) {
	a := &AnthropicProvider{cfg: ProviderConfig{Name: "primary"}}
	b := &AnthropicProvider{cfg: ProviderConfig{Name: "bedrock"}}
	set := NewProviderSet(a, b)

	if p, ok := set.Lookup("bedrock"); !ok || p != b {
		t.Error("Lookup(bedrock) should return the bedrock provider")
	}
	if _, ok := set.Lookup("missing"); ok {
		t.Error("Lookup(missing) should fail")
	}
	if names := set.Names(); len(names) != 2 || names[0] != "bedrock" {
		t.Errorf("Names() = %v, expected sorted names", names)
	}
}
