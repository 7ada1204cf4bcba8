package embedding

import (
	"context"
	"math"
	"testing"
)

func TestHashProviderDeterministic(t *testing.T) {
	a := NewHashProvider(128)
	b := NewHashProvider(128)

	v1, err := a.Embed(context.Background(), "alice asked about Python for-loops")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	v2, err := b.Embed(context.Background(), "alice asked about Python for-loops")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	for i := range v1 {
		if v1[i] != v2[i] {
			t.Fatalf("vectors differ at %d: %f != %f", i, v1[i], v2[i])
		}
	}
}

func TestHashProviderUnitNorm(t *testing.T) {
	p := NewHashProvider(256)
	texts := []string{"a", "hello world", "the quick brown fox", "日本語のテキスト"}

	for _, text := range texts {
		vec, err := p.Embed(context.Background(), text)
		if err != nil {
			t.Fatalf("Embed(%q): %v", text, err)
		}
		var sum float64
		for _, x := range vec {
			sum += float64(x) * float64(x)
		}
		if math.Abs(math.Sqrt(sum)-1) > 1e-3 {
			t.Errorf("Embed(%q): norm %f, want 1", text, math.Sqrt(sum))
		}
	}
}

func TestHashProviderSimilarTextsCloser(t *testing.T) {
	p := NewHashProvider(256)
	ctx := context.Background()

	a, _ := p.Embed(ctx, "user asked about python loops")
	b, _ := p.Embed(ctx, "user asked about python generators")
	c, _ := p.Embed(ctx, "quarterly revenue outlook for the finance team")

	if Cosine(a, b) <= Cosine(a, c) {
		t.Errorf("overlapping texts should score higher: sim(a,b)=%f sim(a,c)=%f", Cosine(a, b), Cosine(a, c))
	}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 1},
		{"orthogonal", []float32{1, 0, 0}, []float32{0, 1, 0}, 0},
		{"opposite", []float32{1, 0, 0}, []float32{-1, 0, 0}, -1},
		{"length mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0},
		{"zero vector", []float32{0, 0, 0}, []float32{1, 0, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Cosine(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Cosine = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	if err := Validate([]float32{1, 0, 0}, 3); err != nil {
		t.Errorf("valid vector rejected: %v", err)
	}
	if err := Validate([]float32{1, 0}, 3); err == nil {
		t.Error("dimension mismatch accepted")
	}
	if err := Validate([]float32{float32(math.NaN()), 0, 0}, 3); err == nil {
		t.Error("NaN accepted")
	}
	if err := Validate([]float32{0, 0, 0}, 3); err == nil {
		t.Error("zero vector accepted")
	}
}
