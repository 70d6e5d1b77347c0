package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/encoding/simplifiedchinese"
)

func TestEnsureUTF8PassesValidText(t *testing.T) {
	assert.Equal(t, "router# 你好", EnsureUTF8("router# 你好"))
	assert.Equal(t, "", EnsureUTF8Bytes(nil))
}

func TestEnsureUTF8DecodesGBK(t *testing.T) {
	raw, err := simplifiedchinese.GBK.NewEncoder().Bytes([]byte("欢迎登录"))
	assert.NoError(t, err)
	assert.Equal(t, "欢迎登录", EnsureUTF8Bytes(raw))
}

func TestByteDump(t *testing.T) {
	assert.Equal(t, "0x61 'a'\n0x08\n0x0d\n", ByteDump("a\b\r"))
}
