package classify

import (
	"sort"
	"sync"
)

// 注册中心，按平台名称获取错误分类器
var (
	registryMu sync.RWMutex
	registry   = map[string]Classifier{
		DefaultName: DefaultClassifier{},
	}
)

// Register 注册分类器，同名覆盖
func Register(c Classifier) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[c.Name()] = c
}

// Get 获取指定平台的分类器，不存在则返回 default
func Get(name string) Classifier {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if c, ok := registry[name]; ok {
		return c
	}
	return registry[DefaultName]
}

// Lookup 与 Get 相同，但报告是否命中已注册的分类器
func Lookup(name string) (Classifier, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	c, ok := registry[name]
	return c, ok
}

// Names 已注册名称（含 default）
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
