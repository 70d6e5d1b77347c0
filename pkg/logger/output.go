package logger

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// HiddenText 替代敏感发送内容（密码等）写入日志
const HiddenText = "***hidden***"

// Excerpt 命令输出的首尾摘要
type Excerpt struct {
	Head  []string `json:"head"`
	Tail  []string `json:"tail"`
	Lines int      `json:"lines"`
}

// Summarize 提取输出的前后 maxLines 行；总行数不超过 2*maxLines 时 Tail 为空
func Summarize(output string, maxLines int) Excerpt {
	if maxLines <= 0 {
		maxLines = 5
	}
	output = strings.ReplaceAll(output, "\r\n", "\n")
	output = strings.TrimRight(output, "\n")
	if output == "" {
		return Excerpt{}
	}
	lines := strings.Split(output, "\n")
	ex := Excerpt{Lines: len(lines)}
	if len(lines) <= 2*maxLines {
		ex.Head = lines
		return ex
	}
	ex.Head = lines[:maxLines]
	ex.Tail = lines[len(lines)-maxLines:]
	return ex
}

// String 单行展示，便于日志检索
func (e Excerpt) String() string {
	if len(e.Head) == 0 {
		return "<empty>"
	}
	s := strings.Join(e.Head, " ⟩ ")
	if len(e.Tail) > 0 {
		s += " ⟩ … ⟩ " + strings.Join(e.Tail, " ⟩ ")
	}
	return s
}

// DebugCommandOutput 在 debug 级别记录命令输出摘要
func DebugCommandOutput(entry *logrus.Entry, command, output string, maxLines int) {
	if entry == nil {
		entry = logrus.NewEntry(GetLogger())
	}
	if !entry.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	ex := Summarize(output, maxLines)
	entry.WithField("lines", ex.Lines).Debugf("output of [%s]: %s", command, ex)
}
