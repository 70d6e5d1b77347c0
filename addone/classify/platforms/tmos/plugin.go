package tmos

import "github.com/sshcollectorpro/cling/addone/classify"

// Name F5 TMOS 错误分类器名称
const Name = "tmos"

// Patterns 按顺序匹配的错误特征
var Patterns = []string{
	`data input error`,
	`syntax error`,
}

func init() {
	classify.Register(classify.MustPatterns(Name, "i", Patterns...))
}
