package framework

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
)

// Loop runs Runnables in the background and invokes Controllers
// periodically or whenever an iteration is triggered.
type Loop struct {
	Interval time.Duration

	controllers []Controller
	runners     []Runnable
	lock        sync.Mutex

	wakeUpCh chan struct{}
}

// LoopAdder provides specific logic to add components to loop.
type LoopAdder interface {
	AddToLoop(*Loop)
}

type loopIteration struct {
	*Loop
	ctx  context.Context
	time time.Time
}

// DefaultLoopInterval is used when Loop.Interval is not set.
const DefaultLoopInterval = time.Second

var (
	loopCtxKey = &Loop{}
)

// LoopCtlFrom gets LoopControl from context. It returns nil if
// the context doesn't belong to a Loop.
func LoopCtlFrom(ctx context.Context) LoopControl {
	ctl, _ := ctx.Value(loopCtxKey).(LoopControl)
	return ctl
}

// TriggerNext triggers the loop owning ctx, if any.
func TriggerNext(ctx context.Context) {
	if ctl := LoopCtlFrom(ctx); ctl != nil {
		ctl.TriggerNext()
	}
}

// NewLoop creates a Loop.
func NewLoop() *Loop {
	return &Loop{
		Interval: DefaultLoopInterval,
		wakeUpCh: make(chan struct{}, 1),
	}
}

// Add adds LoopAdders.
func (l *Loop) Add(adders ...LoopAdder) *Loop {
	for _, adder := range adders {
		adder.AddToLoop(l)
	}
	return l
}

// AddController registers controllers to the loop.
func (l *Loop) AddController(ctls ...Controller) *Loop {
	l.lock.Lock()
	l.controllers = append(l.controllers, ctls...)
	l.lock.Unlock()
	return l
}

// AddRunnable adds Runnable implementions.
func (l *Loop) AddRunnable(runnables ...Runnable) *Loop {
	l.runners = append(l.runners, runnables...)
	return l
}

// Run implements Runnable. All Runnables are stopped when ctx is
// canceled or when any of them exits with an error.
func (l *Loop) Run(ctx context.Context) error {
	if l.wakeUpCh == nil {
		l.wakeUpCh = make(chan struct{}, 1)
	}

	runner := NewRunnerWith(context.WithValue(ctx, loopCtxKey, LoopControl(l)))
	runner.Go(l.runners...)
	runCtx := runner.Context

	interval := l.Interval
	if interval <= 0 {
		interval = DefaultLoopInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.runIteration(runCtx)
	for {
		select {
		case <-runCtx.Done():
			err := runner.Wait()
			if err == nil {
				err = ctx.Err()
			}
			return err
		case <-ticker.C:
			l.runIteration(runCtx)
		case <-l.wakeUpCh:
			l.runIteration(runCtx)
		}
	}
}

// Name implements Named.
func (l *Loop) Name() string {
	return "loop"
}

// RunOrFail is intended to be used in main to simply run the loop
// until SIGINT/SIGTERM.
func (l *Loop) RunOrFail() {
	err := NewRunner().HandleSignals().Go(l).Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		glog.Exitln(err)
	}
}

// TriggerNext implements LoopControl.
func (l *Loop) TriggerNext() {
	select {
	case l.wakeUpCh <- struct{}{}:
	default:
	}
}

func (l *Loop) runIteration(ctx context.Context) {
	iter := &loopIteration{Loop: l, ctx: ctx, time: time.Now()}
	l.lock.Lock()
	ctls := l.controllers
	l.lock.Unlock()
	for _, ctl := range ctls {
		if err := ctl.Control(iter); err != nil {
			glog.Errorf("controller error: %v", err)
		}
	}
}

func (t *loopIteration) Context() context.Context {
	return t.ctx
}

func (t *loopIteration) Time() time.Time {
	return t.time
}
