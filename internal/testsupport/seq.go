package testsupport

import "sync/atomic"

var seedCounter atomic.Int64

func nextSeq() int64 {
	return seedCounter.Add(1)
}
