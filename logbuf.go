//go:build unix

package fleet

import (
	"strings"
	"sync"
)

const maxNoticeRecords = 1000

// noticeLog keeps the most recent lifecycle log lines in a ring so
// the admin API can serve them without touching the log destination.
// It is an io.Writer and sits behind the supervisor's slog handler.
type noticeLog struct {
	mu      sync.Mutex
	records []string
	n       int
}

func newNoticeLog() *noticeLog {
	return &noticeLog{records: make([]string, maxNoticeRecords)}
}

func (l *noticeLog) Write(b []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	str := strings.Trim(string(b), "\n")
	for _, line := range strings.Split(str, "\n") {
		if line == "" {
			continue
		}
		l.records[l.n%len(l.records)] = line
		l.n++
	}
	return len(b), nil
}

// Records returns the buffered lines, oldest first.
func (l *noticeLog) Records() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	cnt := l.n
	if cnt > len(l.records) {
		cnt = len(l.records)
	}
	out := make([]string, 0, cnt)
	for i := l.n - cnt; i < l.n; i++ {
		out = append(out, l.records[i%len(l.records)])
	}
	return out
}
