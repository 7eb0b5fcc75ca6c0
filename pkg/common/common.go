package common

import (
	"strings"
	"sync"

	"github.com/bwmarrin/snowflake"
)

const NA = "N/A"

var (
	snowNode     *snowflake.Node
	snowNodeOnce sync.Once
)

func node() *snowflake.Node {
	snowNodeOnce.Do(func() {
		n, err := snowflake.NewNode(1)
		if err != nil {
			panic(err)
		}
		snowNode = n
	})
	return snowNode
}

// UUIDint64 returns a time ordered unique id.
func UUIDint64() int64 {
	return node().Generate().Int64()
}

// UUID returns UUIDint64 in its decimal string form.
func UUID() string {
	return node().Generate().String()
}

func IfEmptyStr(src string, defval string) string {
	if strings.TrimSpace(src) == "" {
		return defval
	}
	return src
}

// MaskString keeps the first n characters of s, used for logging secrets.
func MaskString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
