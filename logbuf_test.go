//go:build unix

package fleet

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoticeLog(t *testing.T) {
	t.Run("lines are split and stored", func(t *testing.T) {
		nl := newNoticeLog()
		io.WriteString(nl, "first\nsecond\n")
		io.WriteString(nl, "third\n")
		if !assert.Equal(t, []string{"first", "second", "third"}, nl.Records()) {
			return
		}
	})

	t.Run("empty lines are skipped", func(t *testing.T) {
		nl := newNoticeLog()
		io.WriteString(nl, "one\n\n\ntwo\n")
		if !assert.Equal(t, []string{"one", "two"}, nl.Records()) {
			return
		}
	})

	t.Run("ring caps at the limit", func(t *testing.T) {
		nl := newNoticeLog()
		for i := 0; i < maxNoticeRecords+5; i++ {
			fmt.Fprintf(nl, "line %d\n", i)
		}
		records := nl.Records()
		if !assert.Len(t, records, maxNoticeRecords) {
			return
		}
		if !assert.Equal(t, "line 5", records[0], "oldest lines are dropped first") {
			return
		}
		if !assert.Equal(t, fmt.Sprintf("line %d", maxNoticeRecords+4), records[len(records)-1]) {
			return
		}
	})
}
