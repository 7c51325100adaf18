package bpmn

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/flowent/flowent/pkg/bpmn/runtime"
)

// processTimerFunc should asynchronously execute the timer and continue processing the process instance
type processTimerFunc func(ctx context.Context, timer runtime.Timer)

// pollTimerFunc must return an array of timers that are in scheduled state and should fire before end
// timerManager does the de-duplication of already running timers and timers returned by this function
type pollTimerFunc func(ctx context.Context, end time.Time) ([]runtime.Timer, error)

type waitingTimer struct {
	ctx    context.Context
	cancel context.CancelFunc
	timer  runtime.Timer
}

type timerManager struct {
	pollTimerDelay   time.Duration
	nextPoll         time.Time
	mu               *sync.RWMutex
	ctx              context.Context
	ctxCancelFunc    context.CancelFunc
	ch               chan runtime.Timer
	logger           hclog.Logger
	processTimerFunc processTimerFunc
	pollTimerFunc    pollTimerFunc
	waitingTimers    []waitingTimer
}

func newTimerManager(processTimerFunc processTimerFunc, pollTimerFunc pollTimerFunc, pollTimerDelay time.Duration) *timerManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &timerManager{
		ctx:              ctx,
		pollTimerDelay:   pollTimerDelay,
		ctxCancelFunc:    cancel,
		mu:               &sync.RWMutex{},
		ch:               make(chan runtime.Timer),
		pollTimerFunc:    pollTimerFunc,
		processTimerFunc: processTimerFunc,
		logger:           hclog.Default().Named("timer-manager"),
	}
}

// registerTimer will register the timer if its due date is in the current cycle
func (tm *timerManager) registerTimer(timer runtime.Timer) {
	if timer.DueAt.After(tm.nextPoll) {
		return
	}
	tm.addWaitingTimer(timer)
}

func (tm *timerManager) removeTimer(timer runtime.Timer) {
	// most of the time the timer will be waiting in storage not yet loaded so we just RLock here to not block other reads
	tm.mu.RLock()
	remove := false
	for _, wt := range tm.waitingTimers {
		if wt.timer.Key == timer.Key {
			remove = true
			break
		}
	}
	tm.mu.RUnlock()
	if !remove {
		return
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.waitingTimers = slices.DeleteFunc(tm.waitingTimers, func(t waitingTimer) bool {
		if t.timer.Key == timer.Key {
			t.cancel()
			return true
		}
		return false
	})
}

func (tm *timerManager) run() {
	pollTicker := time.NewTicker(tm.pollTimerDelay)
	defer pollTicker.Stop()
	tm.pollOnce(time.Now())
	for {
		select {
		case <-tm.ctx.Done():
			// tm.ch stays open: in-flight waiting-timer goroutines may
			// still try to send and drain through their cancelled context
			return
		case timer := <-tm.ch:
			tm.processTimerFunc(context.Background(), timer)
			tm.mu.Lock()
			tm.waitingTimers = slices.DeleteFunc(tm.waitingTimers, func(item waitingTimer) bool {
				return item.timer.Key == timer.Key
			})
			tm.mu.Unlock()
		case t := <-pollTicker.C:
			tm.pollOnce(t)
		}
	}
}

func (tm *timerManager) pollOnce(t time.Time) {
	nextPoll := t.Add(tm.pollTimerDelay)
	toFireTimers, err := tm.pollTimerFunc(tm.ctx, nextPoll)
	if err != nil {
		tm.logger.Error(fmt.Sprintf("Failed to poll timers for processing: %s", err))
		return
	}
	for _, tft := range toFireTimers {
		tm.addWaitingTimer(tft)
	}
	tm.nextPoll = nextPoll
}

func (tm *timerManager) addWaitingTimer(tft runtime.Timer) {
	tm.mu.RLock()
	for _, wt := range tm.waitingTimers {
		if wt.timer.Key == tft.Key {
			tm.mu.RUnlock()
			return
		}
	}
	tm.mu.RUnlock()

	ctx, cancel := context.WithCancel(tm.ctx)
	wt := waitingTimer{
		ctx:    ctx,
		cancel: cancel,
		timer:  tft,
	}
	tm.mu.Lock()
	tm.waitingTimers = append(tm.waitingTimers, wt)
	tm.mu.Unlock()

	go func() {
		delay := time.Until(wt.timer.DueAt)
		if delay < 0 {
			delay = 0
		}
		select {
		case <-wt.ctx.Done():
			return
		case <-time.After(delay):
			select {
			case tm.ch <- wt.timer:
			case <-wt.ctx.Done():
			}
		}
	}()
}

func (tm *timerManager) stop() {
	tm.ctxCancelFunc()
}
