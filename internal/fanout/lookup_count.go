package fanout

import (
	"fmt"

	"github.com/go-unionfs/unionfs/internal/logger"
)

// lookupCount is a helper for implementing kernel lookup counts: destroy
// is invoked once the count hits zero, with errors logged but otherwise
// ignored. External synchronization (the owning Inode's Mu) is required.
type lookupCount struct {
	count   uint64
	destroy func() error
}

func (lc *lookupCount) Inc() {
	lc.count++
}

func (lc *lookupCount) Dec(n uint64) (destroyed bool) {
	if n > lc.count {
		panic(fmt.Sprintf("fanout: lookup count underflow: n=%d count=%d", n, lc.count))
	}

	lc.count -= n
	if lc.count == 0 {
		if lc.destroy != nil {
			if err := lc.destroy(); err != nil {
				logger.Errorf("fanout: error destroying inode: %v", err)
			}
		}
		destroyed = true
	}

	return
}
