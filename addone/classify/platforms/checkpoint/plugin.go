package checkpoint

import "github.com/sshcollectorpro/cling/addone/classify"

// Name Check Point Gaia clish 错误分类器名称
const Name = "checkpoint"

// Patterns 按顺序匹配的错误特征
var Patterns = []string{
	`^%.+invalid`,
	`^%.+unknown`,
	`^%.+ambiguous`,
	`^%.+incomplete`,
	`^%.+failed`,
}

func init() {
	classify.Register(classify.MustPatterns(Name, "im", Patterns...))
}
