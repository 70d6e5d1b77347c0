package util

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"
)

// legacyEncodings 设备 banner/motd 中常见的非 UTF-8 编码，按尝试顺序排列
var legacyEncodings = []encoding.Encoding{
	simplifiedchinese.GB18030,
	simplifiedchinese.GBK,
	traditionalchinese.Big5,
	charmap.Windows1252,
	charmap.ISO8859_1,
}

// EnsureUTF8Bytes 合法 UTF-8 原样返回，否则依次尝试常见旧编码解码，
// 全部失败时按原始字节返回
func EnsureUTF8Bytes(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if utf8.Valid(b) {
		return string(b)
	}
	for _, enc := range legacyEncodings {
		reader := transform.NewReader(bytes.NewReader(b), enc.NewDecoder())
		decoded, err := io.ReadAll(reader)
		if err == nil && utf8.Valid(decoded) {
			return string(decoded)
		}
	}
	return string(b)
}

// EnsureUTF8 字符串版本
func EnsureUTF8(s string) string {
	return EnsureUTF8Bytes([]byte(s))
}

// ByteDump 以 "0x.. 'c'" 形式逐字节展示文本，用于排查终端控制字符
func ByteDump(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 0x20 && c < 0x7f {
			fmt.Fprintf(&sb, "0x%02x '%c'\n", c, c)
		} else {
			fmt.Fprintf(&sb, "0x%02x\n", c)
		}
	}
	return sb.String()
}
