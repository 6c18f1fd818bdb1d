package agentloop

import (
	"context"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const wakeDebounce = 200 * time.Millisecond

// Poller wakes the loop on signal-file changes, with a two-rate ticker
// fallback: fast while the loop is mid-task, slow while idle.
type Poller struct {
	signalPath string
	activePoll time.Duration
	idlePoll   time.Duration
	isActive   func() bool
	wake       func()
	logger     *log.Logger

	mu            sync.Mutex
	debounceTimer *time.Timer
	watcher       *fsnotify.Watcher
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// NewPoller builds a poller. isActive selects between the two rates; wake
// is invoked on every trigger.
func NewPoller(signalPath string, activePoll, idlePoll time.Duration, isActive func() bool, wake func(), logger *log.Logger) *Poller {
	return &Poller{
		signalPath: signalPath,
		activePoll: activePoll,
		idlePoll:   idlePoll,
		isActive:   isActive,
		wake:       wake,
		logger:     logger,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start runs until ctx is cancelled or Stop is called. When fsnotify
// cannot watch the signal directory the poller degrades to ticker-only.
func (p *Poller) Start(ctx context.Context) {
	defer close(p.doneCh)

	watchDir := filepath.Dir(p.signalPath)
	signalName := filepath.Base(p.signalPath)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.logger.Printf("Poller: fsnotify init failed (%v), using poll-only", err)
	} else if err := watcher.Add(watchDir); err != nil {
		p.logger.Printf("Poller: fsnotify add %s failed (%v), using poll-only", watchDir, err)
		_ = watcher.Close()
		watcher = nil
	}
	if watcher != nil {
		p.watcher = watcher
		defer watcher.Close()
		go p.watchLoop(ctx, signalName)
	}

	p.tickLoop(ctx)
}

// Stop signals the poller to stop and waits for Start to return.
func (p *Poller) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *Poller) watchLoop(ctx context.Context, signalName string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != signalName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			p.triggerDebounced()
		case _, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (p *Poller) triggerDebounced() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.debounceTimer != nil {
		p.debounceTimer.Stop()
	}
	p.debounceTimer = time.AfterFunc(wakeDebounce, p.wake)
}

func (p *Poller) tickLoop(ctx context.Context) {
	interval := func() time.Duration {
		if p.isActive() {
			return p.activePoll
		}
		return p.idlePoll
	}
	timer := time.NewTimer(interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-timer.C:
			p.wake()
			timer.Reset(interval())
		}
	}
}
