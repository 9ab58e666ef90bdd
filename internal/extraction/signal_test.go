package extraction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/consultd/internal/dialogue"
)

func TestSignalDetector_Score(t *testing.T) {
	d, err := NewSignalDetector(nil)
	require.NoError(t, err)

	tests := []struct {
		name    string
		role    dialogue.Role
		content string
		want    float64
		pattern string
	}{
		{"email", dialogue.RoleSubject, "you can reach me at jo@acme.io", 1.0, "email"},
		{"phone", dialogue.RoleSubject, "our number is +1 (555) 010-0199", 0.9, "phone"},
		{"business", dialogue.RoleSubject, "our salon does cuts and colour", 0.9, "business_intro"},
		{"named agent", dialogue.RoleSubject, "let's call it Alex", 0.8, "named"},
		{"filler", dialogue.RoleSubject, "okay!", 0, ""},
		{"thanks", dialogue.RoleSubject, "Thank you", 0, ""},
		{"assistant", dialogue.RoleAssistant, "what is your email? mine is a@b.co", 0, ""},
		{"plain sentence", dialogue.RoleSubject, "it has been a busy year for us", sentenceScore, "sentence"},
		{"fragment", dialogue.RoleSubject, "mostly walk-ins", fragmentScore, "fragment"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, pattern := d.Score(dialogue.Message{Role: tt.role, Content: tt.content})
			assert.Equal(t, tt.want, score)
			assert.Equal(t, tt.pattern, pattern)
		})
	}
}

func TestSignalDetector_InvalidPattern(t *testing.T) {
	_, err := NewSignalDetector([]Pattern{{Name: "bad", Regex: "([", Weight: 1}})
	assert.Error(t, err)
}

func TestSignalDetector_CustomPatterns(t *testing.T) {
	d, err := NewSignalDetector([]Pattern{{Name: "vat", Regex: `(?i)\bvat\b`, Weight: 0.95}})
	require.NoError(t, err)

	score, pattern := d.Score(dialogue.Message{Role: dialogue.RoleSubject, Content: "VAT number follows"})
	assert.Equal(t, 0.95, score)
	assert.Equal(t, "vat", pattern)
}
