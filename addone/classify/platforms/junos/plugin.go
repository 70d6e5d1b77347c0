package junos

import "github.com/sshcollectorpro/cling/addone/classify"

// Name Juniper JUNOS 错误分类器名称
const Name = "junos"

// Patterns 错误提示位于行首；按行匹配，避免窗口截断位置影响 ^ 锚点
var Patterns = []string{
	`\s+syntax error`,
	`^missing argument`,
	`^(unknown|invalid|error)`,
}

func init() {
	classify.Register(classify.MustPatterns(Name, "im", Patterns...))
}
