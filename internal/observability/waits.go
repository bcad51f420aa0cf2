package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// KindWaits describes requests of one kind: those still waiting on the human
// and how the recent ones ended.
type KindWaits struct {
	Kind          string         `json:"kind"`
	Waiting       int            `json:"waiting"`
	OldestWaitSec float64        `json:"oldest_wait_s"`
	Outcomes      map[string]int `json:"outcomes"`
	GaveUp        int            `json:"gave_up"`
	GaveUpRate    float64        `json:"gave_up_rate"`

	// Latency of answered requests, over the last WindowSize answers.
	AnsweredSamples int     `json:"answered_samples"`
	LastSec         float64 `json:"last_s"`
	MedianSec       float64 `json:"median_s"`
	P90Sec          float64 `json:"p90_s"`
	MaxSec          float64 `json:"max_s"`
}

type WaitSnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Kinds       []KindWaits    `json:"kinds"`
	Events      map[string]int `json:"events,omitempty"`
}

// Outcomes where the human never replied.
var unanswered = map[string]bool{
	"cancelled": true,
	"closed":    true,
	"dismissed": true,
}

// waitBoard tracks open waits and finished ones per kind. Reset clears the
// finished history only; open waits stay until their owner ends them.
type waitBoard struct {
	mu     sync.Mutex
	window int
	now    func() time.Time

	seq    uint64
	open   map[uint64]openWait
	kinds  map[string]*kindLog
	events map[string]int
}

type openWait struct {
	kind  string
	since time.Time
}

type kindLog struct {
	answered []float64
	head     int
	full     bool
	last     float64
	outcomes map[string]int
	gaveUp   int
}

func newWaitBoard(window int) *waitBoard {
	if window <= 0 {
		window = 256
	}
	return &waitBoard{
		window: window,
		now:    time.Now,
		open:   make(map[uint64]openWait),
		kinds:  make(map[string]*kindLog),
		events: make(map[string]int),
	}
}

// begin registers a wait and returns the func that ends it. The returned
// func may be called more than once.
func (b *waitBoard) begin(kind string) func() {
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.open[id] = openWait{kind: kind, since: b.now()}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.open, id)
			b.mu.Unlock()
		})
	}
}

func (b *waitBoard) finish(kind, outcome string, waited time.Duration) {
	if kind == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	k := b.log(kind)
	k.outcomes[outcome]++
	if unanswered[outcome] {
		k.gaveUp++
		return
	}
	sec := math.Max(waited.Seconds(), 0)
	k.answered[k.head] = sec
	k.last = sec
	k.head = (k.head + 1) % len(k.answered)
	if k.head == 0 {
		k.full = true
	}
}

func (b *waitBoard) count(event string) {
	event = strings.TrimSpace(event)
	if event == "" {
		return
	}
	b.mu.Lock()
	b.events[event]++
	b.mu.Unlock()
}

func (b *waitBoard) log(kind string) *kindLog {
	k, ok := b.kinds[kind]
	if !ok {
		k = &kindLog{answered: make([]float64, b.window), outcomes: make(map[string]int)}
		b.kinds[kind] = k
	}
	return k
}

func (b *waitBoard) snapshot() WaitSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()

	byKind := make(map[string]*KindWaits)
	entry := func(kind string) *KindWaits {
		kw, ok := byKind[kind]
		if !ok {
			kw = &KindWaits{Kind: kind, Outcomes: map[string]int{}}
			byKind[kind] = kw
		}
		return kw
	}

	for _, w := range b.open {
		kw := entry(w.kind)
		kw.Waiting++
		if age := now.Sub(w.since).Seconds(); age > kw.OldestWaitSec {
			kw.OldestWaitSec = age
		}
	}

	for kind, k := range b.kinds {
		kw := entry(kind)
		total := 0
		for outcome, n := range k.outcomes {
			kw.Outcomes[outcome] = n
			total += n
		}
		kw.GaveUp = k.gaveUp
		if total > 0 {
			kw.GaveUpRate = round2(float64(k.gaveUp) / float64(total))
		}

		n := k.head
		if k.full {
			n = len(k.answered)
		}
		if n == 0 {
			continue
		}
		samples := append([]float64(nil), k.answered[:n]...)
		sort.Float64s(samples)
		kw.AnsweredSamples = n
		kw.LastSec = round2(k.last)
		kw.MedianSec = round2(nearestRank(samples, 0.5))
		kw.P90Sec = round2(nearestRank(samples, 0.9))
		kw.MaxSec = round2(samples[n-1])
	}

	kinds := make([]KindWaits, 0, len(byKind))
	for _, kw := range byKind {
		kw.OldestWaitSec = round2(kw.OldestWaitSec)
		kinds = append(kinds, *kw)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i].Kind < kinds[j].Kind })

	var events map[string]int
	if len(b.events) > 0 {
		events = make(map[string]int, len(b.events))
		for name, n := range b.events {
			events[name] = n
		}
	}

	return WaitSnapshot{
		GeneratedAt: now.UTC(),
		WindowSize:  b.window,
		Kinds:       kinds,
		Events:      events,
	}
}

func (b *waitBoard) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kinds = make(map[string]*kindLog)
	b.events = make(map[string]int)
}

// nearestRank expects sorted input.
func nearestRank(sorted []float64, q float64) float64 {
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
