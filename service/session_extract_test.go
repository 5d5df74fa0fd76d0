package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractSessionCandidates(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		wantClientId string
		wantCount    int
		wantPrint    bool
	}{
		{
			name:         "metadata user_id with session marker",
			body:         `{"metadata":{"user_id":"user_abc_session_f00dcafe42"},"messages":[{"role":"user","content":"hi"}]}`,
			wantClientId: "f00dcafe42",
			wantCount:    1,
			wantPrint:    true,
		},
		{
			name:      "metadata without session marker",
			body:      `{"metadata":{"user_id":"plain-user"},"messages":[{"role":"user","content":"hi"}]}`,
			wantCount: 1,
			wantPrint: true,
		},
		{
			name:      "no metadata falls back to fingerprint",
			body:      `{"messages":[{"role":"assistant","content":"prev"},{"role":"user","content":"hello there"}]}`,
			wantCount: 2,
			wantPrint: true,
		},
		{
			name:      "multimodal content uses first text part",
			body:      `{"messages":[{"role":"user","content":[{"type":"image","source":"..."},{"type":"text","text":"describe this"}]}]}`,
			wantCount: 1,
			wantPrint: true,
		},
		{
			name:      "no user message means no fingerprint",
			body:      `{"messages":[{"role":"system","content":"be terse"}]}`,
			wantCount: 1,
		},
		{
			name: "empty body",
			body: "",
		},
		{
			name: "invalid json",
			body: `{"messages": [`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractSessionCandidates([]byte(tt.body))
			assert.Equal(t, tt.wantClientId, got.ClientId)
			assert.Equal(t, tt.wantCount, got.MessageCount)
			if tt.wantPrint {
				assert.Len(t, got.Fingerprint, 16)
			} else {
				assert.Empty(t, got.Fingerprint)
			}
		})
	}
}

func TestFingerprintIsStableAndScoped(t *testing.T) {
	body := []byte(`{"messages":[{"role":"user","content":"same opening line"}]}`)
	other := []byte(`{"messages":[{"role":"user","content":"different opening line"}]}`)

	a := ExtractSessionCandidates(body)
	b := ExtractSessionCandidates(body)
	c := ExtractSessionCandidates(other)

	assert.Equal(t, a.Fingerprint, b.Fingerprint)
	assert.NotEqual(t, a.Fingerprint, c.Fingerprint)
}

func TestFingerprintCapsLongContent(t *testing.T) {
	long := strings.Repeat("x", 600)
	sameHead := long[:500] + strings.Repeat("y", 100)

	a := hashContent(long)
	b := hashContent(sameHead)
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
}

func TestExtractStringAndMultimodalAgree(t *testing.T) {
	plain := ExtractSessionCandidates([]byte(`{"messages":[{"role":"user","content":"ping"}]}`))
	modal := ExtractSessionCandidates([]byte(`{"messages":[{"role":"user","content":[{"type":"text","text":"ping"}]}]}`))
	assert.Equal(t, plain.Fingerprint, modal.Fingerprint)
}
