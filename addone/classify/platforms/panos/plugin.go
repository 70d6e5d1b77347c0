package panos

import "github.com/sshcollectorpro/cling/addone/classify"

// Name Palo Alto PAN-OS 错误分类器名称
const Name = "panos"

// Patterns PAN-OS 的错误提示没有固定前缀，规则不锚定，误报概率最高
var Patterns = []string{
	`invalid`,
	`error`,
	`unknown`,
	`incomplete`,
	`ambiguous`,
}

func init() {
	classify.Register(classify.MustPatterns(Name, "i", Patterns...))
}
