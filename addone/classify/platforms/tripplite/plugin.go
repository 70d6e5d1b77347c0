package tripplite

import "github.com/sshcollectorpro/cling/addone/classify"

// Name Tripp Lite PDU 错误分类器名称
const Name = "tripplite"

// Patterns 按顺序匹配的错误特征
var Patterns = []string{
	`^bash:\s+.*command not found`,
	`^invalid`,
}

func init() {
	classify.Register(classify.MustPatterns(Name, "im", Patterns...))
}
