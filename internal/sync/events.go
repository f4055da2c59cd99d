package sync

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/store"
)

type EventType string

const (
	EventOnline       EventType = "online"
	EventOffline      EventType = "offline"
	EventSyncComplete EventType = "syncComplete"
	EventSyncError    EventType = "syncError"
	EventDataStored   EventType = "dataStored"
	EventSyncProgress EventType = "syncProgress"
)

// Event is one of Online, Offline, SyncComplete, SyncError, DataStored or
// SyncProgress.
type Event interface {
	Type() EventType
	event()
}

type Online struct{}

type Offline struct{}

type SyncComplete struct {
	SuccessCount int `json:"successCount"`
	FailureCount int `json:"failureCount"`
}

type SyncError struct {
	Err error `json:"-"`
}

type DataStored struct {
	Collection string       `json:"collection"`
	ID         string       `json:"id"`
	Action     store.Action `json:"action"`
}

type SyncProgress struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
}

func (Online) Type() EventType       { return EventOnline }
func (Offline) Type() EventType      { return EventOffline }
func (SyncComplete) Type() EventType { return EventSyncComplete }
func (SyncError) Type() EventType    { return EventSyncError }
func (DataStored) Type() EventType   { return EventDataStored }
func (SyncProgress) Type() EventType { return EventSyncProgress }

func (Online) event()       {}
func (Offline) event()      {}
func (SyncComplete) event() {}
func (SyncError) event()    {}
func (DataStored) event()   {}
func (SyncProgress) event() {}

func (e SyncError) Error() string {
	if e.Err == nil {
		return "sync error"
	}
	return e.Err.Error()
}

// Handler receives events synchronously on the emitting goroutine. The pass
// is no longer in progress when SyncComplete or SyncError is delivered, so
// State reports it finished. SyncNow called from a SyncProgress handler
// returns ErrSyncInProgress.
type Handler func(Event)

type subscriber struct {
	id uint64
	fn Handler
}

// Bus fans events out to subscribers in registration order.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscriber
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn and returns a func that removes it. Calling the
// returned func more than once is harmless.
func (b *Bus) Subscribe(fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			subs := make([]subscriber, 0, len(b.subs)-1)
			subs = append(subs, b.subs[:i]...)
			b.subs = append(subs, b.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers ev to a snapshot of the current subscribers, so handlers may
// subscribe or unsubscribe while it runs.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("Event handler panicked",
				zap.String("event", string(ev.Type())),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	s.fn(ev)
}

func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) Reset() {
	b.mu.Lock()
	b.subs = nil
	b.mu.Unlock()
}
