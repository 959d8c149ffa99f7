package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

type componentStat struct {
	warns  int64
	errors int64
}

type channelStat struct {
	messages int64
	dropped  int64
}

var (
	components sync.Map // map[string]*componentStat
	channels   sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	v, _ := components.LoadOrStore(component, &componentStat{})
	atomic.AddInt64(&v.(*componentStat).warns, 1)
}

func recordError(component string) {
	v, _ := components.LoadOrStore(component, &componentStat{})
	atomic.AddInt64(&v.(*componentStat).errors, 1)
}

// RecordChannelMessage counts a message forwarded through a named channel.
func RecordChannelMessage(name string) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	atomic.AddInt64(&v.(*channelStat).messages, 1)
}

// RecordChannelDrop counts a message dropped by a saturated channel.
func RecordChannelDrop(name string) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	atomic.AddInt64(&v.(*channelStat).dropped, 1)
}

// StartReport begins periodic logging of runtime and channel statistics.
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
	componentData := map[string]map[string]int64{}
	components.Range(func(k, v any) bool {
		cs := v.(*componentStat)
		componentData[k.(string)] = map[string]int64{
			"warns":  atomic.LoadInt64(&cs.warns),
			"errors": atomic.LoadInt64(&cs.errors),
		}
		return true
	})

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		channelData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"dropped":  atomic.LoadInt64(&cs.dropped),
		}
		return true
	})

	log.WithComponent("report").WithFields(Fields{
		"goroutines": runtime.NumGoroutine(),
		"components": componentData,
		"channels":   channelData,
	}).Info("runtime report")
}
