package acos

import "github.com/sshcollectorpro/cling/addone/classify"

// Name A10 ACOS 错误分类器名称
const Name = "acos"

// Patterns 按顺序匹配的错误特征
var Patterns = []string{
	`%\s+invalid`,
	`%\s+unknown`,
	`%\s+ambiguous`,
	`%\s+incomplete`,
	`failed`,
}

func init() {
	classify.Register(classify.MustPatterns(Name, "i", Patterns...))
}
