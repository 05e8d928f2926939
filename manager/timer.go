package manager

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Timing categories
const (
	StageFetch   = "fetch"
	StageDecode  = "decode"
	StageIsoline = "isoline"
	stageMain    = "main"
	stageEncode  = "encode"
)

//Timing 一次请求的耗时统计, 时间单位为毫秒, 相对 Origin
type Timing struct {
	URL       string                 `json:"url,omitempty"`
	TilesUsed int                    `json:"tilesUsed"`
	Fetched   []string               `json:"fetched,omitempty"`
	Origin    time.Time              `json:"origin"`
	Marks     map[string][][]float64 `json:"marks"`
	Duration  float64                `json:"duration"`
	Fetch     float64                `json:"fetch,omitempty"`
	Decode    float64                `json:"decode,omitempty"`
	Process   float64                `json:"process,omitempty"`
	Wait      float64                `json:"wait"`
	Error     bool                   `json:"error,omitempty"`
}

//Timer 记录瓦片生成各阶段耗时. 空指针可安全调用
type Timer struct {
	mu        sync.Mutex
	origin    time.Time
	marks     map[string][][]float64
	used      map[string]bool
	fetched   map[string]bool
	tilesUsed int
	name      string
	finish    func()
}

// NewTimer starts a timer whose overall span is recorded under name.
func NewTimer(name string) *Timer {
	t := &Timer{
		origin:  time.Now(),
		marks:   map[string][][]float64{},
		used:    map[string]bool{},
		fetched: map[string]bool{},
	}
	if name == "" {
		name = stageMain
	}
	t.name = name
	t.finish = t.Marker(name)
	return t
}

func (t *Timer) now() float64 {
	return float64(time.Since(t.origin)) / float64(time.Millisecond)
}

// Marker opens a span in category and returns the function closing it.
func (t *Timer) Marker(category string) func() {
	if t == nil {
		return func() {}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := len(t.marks[category])
	t.marks[category] = append(t.marks[category], []float64{t.now()})
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.marks[category][idx] = append(t.marks[category][idx], t.now())
	}
}

// UseTile counts a source tile the request depends on.
func (t *Timer) UseTile(url string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.used[url] {
		t.used[url] = true
		t.tilesUsed++
	}
}

// FetchTile records a tile that actually went to the source.
func (t *Timer) FetchTile(url string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fetched[url] = true
}

// AddAll merges timings recorded elsewhere, such as by a worker.
func (t *Timer) AddAll(timing *Timing) {
	if t == nil || timing == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tilesUsed += timing.TilesUsed
	for _, url := range timing.Fetched {
		t.fetched[url] = true
	}
	offset := float64(timing.Origin.Sub(t.origin)) / float64(time.Millisecond)
	for category, spans := range timing.Marks {
		for _, span := range spans {
			shifted := make([]float64, len(span))
			for i, v := range span {
				shifted[i] = v + offset
			}
			t.marks[category] = append(t.marks[category], shifted)
		}
	}
}

// Finish closes the overall span and summarizes every category.
func (t *Timer) Finish(url string) *Timing {
	if t == nil {
		return nil
	}
	t.finish()
	t.mu.Lock()
	defer t.mu.Unlock()
	marks := make(map[string][][]float64, len(t.marks))
	for k, spans := range t.marks {
		cp := make([][]float64, len(spans))
		for i, s := range spans {
			cp[i] = append([]float64(nil), s...)
		}
		marks[k] = cp
	}
	timing := &Timing{
		URL:       url,
		TilesUsed: t.tilesUsed,
		Origin:    t.origin,
		Marks:     marks,
		Duration:  span(marks[t.name]),
		Fetch:     span(marks[StageFetch]),
		Decode:    span(marks[StageDecode]),
		Process:   span(marks[StageIsoline]),
	}
	for url := range t.fetched {
		timing.Fetched = append(timing.Fetched, url)
	}
	sort.Strings(timing.Fetched)
	timing.Wait = timing.Duration - timing.Fetch - timing.Decode - timing.Process
	return timing
}

// Error is Finish for a failed request.
func (t *Timer) Error(url string) *Timing {
	timing := t.Finish(url)
	if timing != nil {
		timing.Error = true
	}
	return timing
}

// span is the distance between the earliest and latest mark, 0 if none.
func span(spans [][]float64) float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, s := range spans {
		for _, v := range s {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	if math.IsInf(lo, 0) || math.IsInf(hi, 0) {
		return 0
	}
	return hi - lo
}
