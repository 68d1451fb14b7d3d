package storage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDocumentKey(t *testing.T) {
	key := DocumentKey("org_1", "deals", "rec_9", "doc_abc", "Q3 Contract.pdf")
	assert.Equal(t, "org_1/deals/rec_9/doc_abc/Q3 Contract.pdf", key)
}

func TestDocumentKeySanitizesFilename(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		want     string
	}{
		{"path traversal", "../../etc/passwd", "passwd"},
		{"absolute path", "/etc/shadow", "shadow"},
		{"windows path", `C:\Users\x\doc.pdf`, "doc.pdf"},
		{"dot dot only", "..", "unnamed"},
		{"empty", "", "unnamed"},
		{"plain", "report.xlsx", "report.xlsx"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := DocumentKey("org_1", "leads", "rec_1", "doc_1", tt.filename)
			assert.True(t, strings.HasPrefix(key, "org_1/leads/rec_1/doc_1/"))
			assert.Equal(t, tt.want, key[strings.LastIndex(key, "/")+1:])
		})
	}
}

func TestNewDocumentID(t *testing.T) {
	a := NewDocumentID()
	b := NewDocumentID()
	assert.True(t, strings.HasPrefix(a, "doc_"))
	assert.NotEqual(t, a, b)
}
