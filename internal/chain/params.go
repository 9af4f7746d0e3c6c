package chain

import (
	"regexp"
	"strings"
)

var (
	escapedParams = regexp.MustCompile(`\\\[(.*?)\\\]`)
	plainParams   = regexp.MustCompile(`\[(.*?)\]`)
)

// EventParams 从事件文档中提取参数名，按声明顺序返回。
//
// 文档行按最新在前的顺序提供。从末尾一行（最早的文档）开始向前扫描，
// 第一行匹配 `\[a, b\]` 或 `[a, b]` 的文档胜出，同一行内转义形式优先。
// 没有匹配时返回空切片，不返回错误。不处理嵌套括号。
func EventParams(docs []string) []string {
	for i := len(docs) - 1; i >= 0; i-- {
		if names, ok := parseParamLine(docs[i]); ok {
			return names
		}
	}
	return []string{}
}

func parseParamLine(doc string) ([]string, bool) {
	match := escapedParams.FindStringSubmatch(doc)
	if match == nil {
		match = plainParams.FindStringSubmatch(doc)
	}
	if match == nil {
		return nil, false
	}
	capture := strings.TrimSpace(match[1])
	if capture == "" {
		return []string{}, true
	}
	parts := strings.Split(capture, ",")
	names := make([]string, len(parts))
	for i, part := range parts {
		names[i] = strings.TrimSpace(part)
	}
	return names, true
}
