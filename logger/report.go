package logger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorCount     int64
	warnCount      int64
	framesRead     int64
	framesDropped  int64
	reconnectCount int64
	resolvedCount  int64
	rejectedCount  int64
	channels       sync.Map // map[string]*channelStat
)

func recordWarn() {
	atomic.AddInt64(&warnCount, 1)
}

func recordError() {
	atomic.AddInt64(&errorCount, 1)
}

// IncrementFrameRead records one inbound frame of the given size for the
// named wire channel.
func IncrementFrameRead(channel string, size int) {
	atomic.AddInt64(&framesRead, 1)
	recordChannel(channel, size)
}

// IncrementFrameDropped records a frame skipped as malformed or unrecognized.
func IncrementFrameDropped() {
	atomic.AddInt64(&framesDropped, 1)
}

// IncrementReconnect records a forced reconnect of a stream connection.
func IncrementReconnect() {
	atomic.AddInt64(&reconnectCount, 1)
}

// IncrementResolved records a message future resolution.
func IncrementResolved() {
	atomic.AddInt64(&resolvedCount, 1)
}

// IncrementRejected records a message future rejection.
func IncrementRejected() {
	atomic.AddInt64(&rejectedCount, 1)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport begins periodic logging of the accumulated stream counters.
// Counters are cumulative, not deltas.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(log)
			}
		}
	}()
}

func logReport(log *Log) {
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	log.WithComponent("report").WithFields(Fields{
		"frames_read":    atomic.LoadInt64(&framesRead),
		"frames_dropped": atomic.LoadInt64(&framesDropped),
		"reconnects":     atomic.LoadInt64(&reconnectCount),
		"resolved":       atomic.LoadInt64(&resolvedCount),
		"rejected":       atomic.LoadInt64(&rejectedCount),
		"warns":          atomic.LoadInt64(&warnCount),
		"errors":         atomic.LoadInt64(&errorCount),
		"channels":       channelData,
	}).Info("stream report")
}
