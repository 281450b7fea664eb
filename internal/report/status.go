package report

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Brownie44l1/live-classifier/internal/topk"
)

const statusHeader = "Predominant detected objects:"

// FormatTopK renders the status block shown to the user.
func FormatTopK(result topk.Result) string {
	var b strings.Builder
	b.WriteString(statusHeader)
	for _, e := range result {
		fmt.Fprintf(&b, "\n%5.0f%% : %s ", e.Confidence*100, e.Label)
	}
	return b.String()
}

// FormatFPS derives the frame rate line from one inference duration.
func FormatFPS(elapsed time.Duration) string {
	ms := float64(elapsed) / float64(time.Millisecond)
	if ms <= 0 {
		return "   - fps"
	}
	return fmt.Sprintf("%4.1f fps", 1000/ms)
}

type StatusSnapshot struct {
	Text    string      `json:"text"`
	FPS     string      `json:"fps"`
	Error   string      `json:"error,omitempty"`
	Fatal   bool        `json:"fatal"`
	TopK    topk.Result `json:"top_k,omitempty"`
	Updated time.Time   `json:"updated"`
}

// Status keeps the user-facing status line consistent with the most
// recent completed inference. A fatal error sticks until SetText.
type Status struct {
	locker   sync.Mutex
	snapshot StatusSnapshot
}

var _ Sink = (*Status)(nil)

func NewStatus() *Status {
	return &Status{}
}

func (s *Status) Publish(ctx context.Context, r Report) {
	s.locker.Lock()
	defer s.locker.Unlock()
	if s.snapshot.Fatal {
		return
	}
	s.snapshot = StatusSnapshot{
		Text:    FormatTopK(r.TopK),
		FPS:     FormatFPS(r.Elapsed),
		TopK:    r.TopK,
		Updated: r.CompletedAt,
	}
}

func (s *Status) PublishError(ctx context.Context, ev ErrorEvent) {
	s.locker.Lock()
	defer s.locker.Unlock()
	if s.snapshot.Fatal && !ev.Fatal {
		return
	}
	s.snapshot.Text = ev.Message()
	s.snapshot.Error = ev.Message()
	s.snapshot.Fatal = ev.Fatal
	s.snapshot.Updated = ev.At
}

// SetText replaces the status line, clearing any error.
func (s *Status) SetText(text string) {
	s.locker.Lock()
	defer s.locker.Unlock()
	s.snapshot = StatusSnapshot{
		Text:    text,
		FPS:     s.snapshot.FPS,
		Updated: time.Now(),
	}
}

func (s *Status) Snapshot() StatusSnapshot {
	s.locker.Lock()
	defer s.locker.Unlock()
	snapshot := s.snapshot
	snapshot.TopK = append(topk.Result(nil), s.snapshot.TopK...)
	return snapshot
}
