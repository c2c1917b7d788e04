package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountText(t *testing.T) {
	assert.Equal(t, 0, CountText(""))
	assert.Equal(t, 1, CountText("hi"))
	assert.Equal(t, 2, CountText("12345678"))
	assert.Equal(t, 3, CountText("123456789"))
}

func TestCountTextWideRunes(t *testing.T) {
	// CJK runes count one token each.
	assert.Equal(t, 3, CountText("你好吗"))
}

func TestCountRequest(t *testing.T) {
	body := []byte(`{"system":"be brief","messages":[{"role":"user","content":"Hello"}],"tools":[{"name":"ls"}]}`)
	got := CountRequest(body)
	assert.Greater(t, got, 5)

	assert.Equal(t, 0, CountRequest([]byte("not json")))
}
