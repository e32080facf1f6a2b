package notifier

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"scalpctl/internal/logger"
)

const sendTimeout = 30 * time.Second

// Dispatcher delivers notifications on its own goroutine. Notify never
// blocks the trading loops; when the queue is full the message is dropped
// and counted.
type Dispatcher struct {
	target  TextNotifier
	queue   chan string
	dropped atomic.Int64
	sent    atomic.Int64
	onDrop  func()

	once sync.Once
	done chan struct{}
}

func NewDispatcher(target TextNotifier, size int) *Dispatcher {
	if size <= 0 {
		size = 64
	}
	return &Dispatcher{
		target: target,
		queue:  make(chan string, size),
		done:   make(chan struct{}),
	}
}

// OnDrop registers a hook called for each dropped message, e.g. a metric.
func (d *Dispatcher) OnDrop(fn func()) { d.onDrop = fn }

func (d *Dispatcher) Start() {
	go d.run()
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for text := range d.queue {
		if d.target == nil {
			continue
		}
		if err := d.send(text); err != nil {
			logger.Warnf("notifier: send failed: %v", err)
			continue
		}
		d.sent.Add(1)
	}
}

func (d *Dispatcher) send(text string) error {
	cs, ok := d.target.(ContextSender)
	if !ok {
		return d.target.SendText(text)
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return cs.SendTextContext(ctx, text)
}

func (d *Dispatcher) Notify(text string) {
	if d == nil || text == "" {
		return
	}
	defer func() {
		// queue closed by Close
		if recover() != nil {
			d.drop()
		}
	}()
	select {
	case d.queue <- text:
	default:
		d.drop()
	}
}

// NotifyMessage renders and queues a structured message.
func (d *Dispatcher) NotifyMessage(m StructuredMessage) {
	d.Notify(m.RenderMarkdown())
}

func (d *Dispatcher) drop() {
	d.dropped.Add(1)
	if d.onDrop != nil {
		d.onDrop()
	}
}

func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

func (d *Dispatcher) Sent() int64 { return d.sent.Load() }

// Close drains the queue and waits for the worker. Start must have been
// called.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.queue) })
	<-d.done
}

// LogNotifier writes notifications to the log; used when no channel is
// configured.
type LogNotifier struct{}

func (LogNotifier) SendText(text string) error {
	logger.InfoBlock("[notify]\n" + text)
	return nil
}
