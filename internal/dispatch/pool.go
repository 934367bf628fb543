package dispatch

import (
	"slices"
	"sync"
	"time"

	"github.com/mattjoyce/polyhost/internal/balance"
	"github.com/mattjoyce/polyhost/internal/config"
	"github.com/mattjoyce/polyhost/internal/worker"
)

// ErrorRecord is one entry in a pool's error history.
type ErrorRecord struct {
	ChannelID string    `json:"channel_id"`
	Error     string    `json:"error"`
	At        time.Time `json:"at"`
}

// Pool is the set of channels serving one runtime.
type Pool struct {
	runtime config.RuntimeConfig
	max     int
	rr      balance.RoundRobin[Channel]

	mu          sync.RWMutex
	channels    []Channel
	history     []ErrorRecord
	historySize int
	errorCount  int
	restart     *time.Timer
	closed      bool
	escalated   bool
}

func newPool(rt config.RuntimeConfig, maxProcs, historySize int) *Pool {
	if historySize <= 0 {
		historySize = 1
	}
	return &Pool{runtime: rt, max: maxProcs, historySize: historySize}
}

// Runtime returns the runtime name.
func (p *Pool) Runtime() string { return p.runtime.Name }

// add admits ch unless the pool is full or closed.
func (p *Pool) add(ch Channel) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.channels) >= p.max {
		return false
	}
	p.channels = append(p.channels, ch)
	return true
}

// remove drops the channel with id and returns it.
func (p *Pool) remove(id string) (Channel, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := slices.IndexFunc(p.channels, func(ch Channel) bool { return ch.ID() == id })
	if i < 0 {
		return nil, false
	}
	ch := p.channels[i]
	p.channels = slices.Delete(p.channels, i, i+1)
	return ch, true
}

// all returns a snapshot of every live channel, in any state.
func (p *Pool) all() []Channel {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.channels)
}

// initialized returns the channels that can take invocations.
func (p *Pool) initialized() []Channel {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Channel, 0, len(p.channels))
	for _, ch := range p.channels {
		if ch.State() == worker.Initialized {
			out = append(out, ch)
		}
	}
	return out
}

func (p *Pool) size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.channels)
}

// recordError appends to the bounded history and returns the cumulative count.
func (p *Pool) recordError(rec ErrorRecord) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errorCount++
	p.history = append(p.history, rec)
	if over := len(p.history) - p.historySize; over > 0 {
		p.history = slices.Delete(p.history, 0, over)
	}
	return p.errorCount
}

func (p *Pool) errors() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.errorCount
}

// scheduleRestart arms the restart timer, or pushes it back if already armed.
func (p *Pool) scheduleRestart(after time.Duration, fire func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.escalated {
		return
	}
	if p.restart == nil {
		p.restart = time.AfterFunc(after, fire)
		return
	}
	p.restart.Reset(after)
}

// markEscalated reports true the first time it is called and disarms restarts.
func (p *Pool) markEscalated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.escalated {
		return false
	}
	p.escalated = true
	if p.restart != nil {
		p.restart.Stop()
	}
	return true
}

// close stops admitting channels and returns the ones still live.
func (p *Pool) close() []Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.restart != nil {
		p.restart.Stop()
	}
	out := p.channels
	p.channels = nil
	return out
}

// PoolInfo is a point-in-time view of a pool.
type PoolInfo struct {
	Runtime         string        `json:"runtime"`
	MaxProcessCount int           `json:"max_process_count"`
	ErrorCount      int           `json:"error_count"`
	ErrorBudget     int           `json:"error_budget"`
	Escalated       bool          `json:"escalated"`
	Channels        []worker.Info `json:"channels"`
	RecentErrors    []ErrorRecord `json:"recent_errors"`
}

func (p *Pool) snapshot(budget int) PoolInfo {
	p.mu.RLock()
	chs := slices.Clone(p.channels)
	info := PoolInfo{
		Runtime:         p.runtime.Name,
		MaxProcessCount: p.max,
		ErrorCount:      p.errorCount,
		ErrorBudget:     budget,
		Escalated:       p.escalated,
		RecentErrors:    slices.Clone(p.history),
	}
	p.mu.RUnlock()

	info.Channels = make([]worker.Info, 0, len(chs))
	for _, ch := range chs {
		info.Channels = append(info.Channels, ch.Snapshot())
	}
	return info
}
