package trustkit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type notice struct {
	externalIdentity string
	text             string
}

// notifier delivers security notices through the messenger on a background
// worker. Delivery retries with exponential backoff up to MaxAttempts; a
// full buffer drops the notice and bumps the dropped metric rather than
// blocking the security path.
type notifier struct {
	msgr    Messenger
	config  NotifyConfig
	metrics *Metrics
	log     *zap.Logger

	ch        chan notice
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newNotifier(msgr Messenger, cfg NotifyConfig, metrics *Metrics, log *zap.Logger) *notifier {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 250 * time.Millisecond
	}

	n := &notifier{
		msgr:    msgr,
		config:  cfg,
		metrics: metrics,
		log:     log,
		ch:      make(chan notice, cfg.Buffer),
		done:    make(chan struct{}),
	}

	n.wg.Add(1)
	go n.run()

	return n
}

func (n *notifier) run() {
	defer n.wg.Done()

	for {
		select {
		case msg := <-n.ch:
			n.deliver(msg)
		case <-n.done:
			for {
				select {
				case msg := <-n.ch:
					n.deliver(msg)
				default:
					return
				}
			}
		}
	}
}

func (n *notifier) deliver(msg notice) {
	backoff := n.config.BaseBackoff
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := n.msgr.SendMessage(ctx, msg.externalIdentity, msg.text)
		cancel()
		if err == nil {
			return
		}
		if attempt >= n.config.MaxAttempts {
			n.metrics.Inc(MetricNotifyDropped)
			n.log.Warn("security notice dropped after retries",
				zap.Int("attempts", attempt), zap.Error(err))
			return
		}

		select {
		case <-time.After(backoff):
		case <-n.done:
			// Shutting down; no time left to retry.
			n.metrics.Inc(MetricNotifyDropped)
			return
		}
		backoff *= 2
	}
}

// Send queues a notice. A full buffer drops it.
func (n *notifier) Send(externalIdentity, text string) {
	if n == nil {
		return
	}
	select {
	case n.ch <- notice{externalIdentity: externalIdentity, text: text}:
	default:
		n.metrics.Inc(MetricNotifyDropped)
	}
}

// Close drains queued notices and stops the worker.
func (n *notifier) Close() {
	if n == nil {
		return
	}
	n.closeOnce.Do(func() {
		close(n.done)
		n.wg.Wait()
	})
}
