package util

import (
	"github.com/cubefs/cubefs/blobstore/util/log"
)

// Debug is the highest DPrintf level that is emitted.
var Debug uint64 = 1

// DPrintf logs a message if level is enabled. Level 0 and 1 are operational
// messages (info); higher levels trace individual records (debug).
func DPrintf(level uint64, format string, a ...interface{}) {
	if level > Debug {
		return
	}
	if level <= 1 {
		log.Infof(format, a...)
	} else {
		log.Debugf(format, a...)
	}
}

func RoundUp(n uint64, sz uint64) uint64 {
	return (n + sz - 1) / sz
}

func Min(n uint64, m uint64) uint64 {
	if n < m {
		return n
	} else {
		return m
	}
}

func Max(n uint64, m uint64) uint64 {
	if n > m {
		return n
	}
	return m
}

// SumOverflows reports whether a+b overflows a uint64.
func SumOverflows(a uint64, b uint64) bool {
	return a+b < a
}
