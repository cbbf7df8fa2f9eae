package tools

import (
	"strings"

	"github.com/spf13/cast"
)

func (a Args) String(key string) string {
	v, ok := a[key]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(cast.ToString(v))
}

// Int 模型有时把数字写成字符串
func (a Args) Int(key string, def int) int {
	v, ok := a[key]
	if !ok || v == nil {
		return def
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		if f, ferr := cast.ToFloat64E(v); ferr == nil {
			return int(f)
		}
		return def
	}
	return n
}
