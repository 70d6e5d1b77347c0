package session

import (
	"regexp"
	"strings"
)

var backspacePair = regexp.MustCompile(`.\x08`)

// Scrub 从提示符之前的原始输出中还原命令的干净输出：
// 先去除 "字符+退格" 残留（仅 eraseBackspaces 平台），再去掉第一次出现的
// 命令回显（允许设备在回显后追加填充字符），最后去掉末尾不完整的一行。
// 回显中可能夹杂退格残留，因此顺序不可调换。
func Scrub(raw, command string, eraseBackspaces bool) string {
	out := raw
	if eraseBackspaces {
		out = backspacePair.ReplaceAllString(out, "")
	}
	if command != "" {
		echo := regexp.MustCompile(regexp.QuoteMeta(command) + `.*?\r\n`)
		if loc := echo.FindStringIndex(out); loc != nil {
			out = out[:loc[0]] + out[loc[1]:]
		}
	}
	if i := strings.LastIndexByte(out, '\n'); i >= 0 {
		return out[:i+1]
	}
	return ""
}
