package rule

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"sasd/internal/person"
	"sasd/pkg/logx"
)

// Delivery hands one rendered message to the outbound transport.
// Implementations may block on network I/O; the loop joins all
// per-recipient deliveries before completing the firing.
type Delivery interface {
	Deliver(ctx context.Context, rcpt person.Person, message string) error
}

// Recorder persists the rule's updated last_executed after a firing.
type Recorder func(ctx context.Context, r *Rule) error

// Run is the scheduling loop: wait for the next execution instant,
// fire, record, repeat until the schedule is exhausted or ctx is
// cancelled. The wait is interruptible; an in-progress firing is
// allowed to finish.
//
// If cancellation is observed after a firing, the loop exits without
// recording last_executed: a replacement task may already be running,
// and it owns all further writes for this rule id.
func (r *Rule) Run(ctx context.Context, d Delivery, record Recorder, log logx.Logger) {
	log = log.With(logx.Int64("rule", r.id), logx.String("label", r.label))
	for {
		// A zero wait would otherwise fire even after cancellation.
		if ctx.Err() != nil {
			log.Debug("rule cancelled")
			return
		}
		wait, ok := r.NextWait()
		if !ok {
			log.Info("rule schedule exhausted")
			return
		}
		if wait > 0 {
			next, _ := r.NextExecution()
			log.Debug("rule waiting", logx.Time("next", next), logx.Duration("wait", wait))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}
				log.Debug("rule cancelled while waiting")
				return
			case <-timer.C:
			}
		}

		r.fire(ctx, d, log)

		if ctx.Err() != nil {
			log.Debug("rule cancelled during firing; skipping record")
			return
		}
		r.ReportExecuted()
		if err := record(ctx, r); err != nil {
			log.Error("recording execution failed", logx.Err(err))
		}
	}
}

// fire delivers the compiled message to every recipient concurrently.
// A failing recipient never aborts its siblings and never ends the
// rule; failures are logged and counted only.
func (r *Rule) fire(ctx context.Context, d Delivery, log logx.Logger) {
	start := time.Now()
	var wg sync.WaitGroup
	var failed atomic.Int64

	for _, rcpt := range r.recipients {
		msg := r.tmpl.CompileFor(rcpt)
		wg.Add(1)
		go func(rcpt person.Person, msg string) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					failed.Add(1)
					log.Error("panic in delivery",
						logx.Any("panic", rec),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			if err := d.Deliver(ctx, rcpt, msg); err != nil {
				failed.Add(1)
				log.Warn("delivery failed",
					logx.Int64("recipient", rcpt.ID),
					logx.String("telephone", rcpt.Telephone),
					logx.Err(err))
			}
		}(rcpt, msg)
	}
	wg.Wait()

	n := int64(len(r.recipients))
	f := failed.Load()
	if f > 0 {
		log.Warn("rule fired with failures",
			logx.Int64("sent", n-f), logx.Int64("failed", f),
			logx.Duration("dur", time.Since(start)))
		return
	}
	log.Info("rule fired", logx.Int64("sent", n), logx.Duration("dur", time.Since(start)))
}
