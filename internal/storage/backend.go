package storage

import (
	"context"
	"fmt"
)

// AccumulatorKeys names the three scalars holding a device's window state.
type AccumulatorKeys struct {
	Window string
	Sum    string
	Count  string
}

// Backend is the durable key-value/list service the Store runs on. Every
// method is a single atomic operation against the backend.
type Backend interface {
	// Get returns the scalar at key; ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error

	// SetAndPush sets scalarKey and pushes item to the front of listKey,
	// trimming the list to limit entries, as one indivisible write.
	SetAndPush(ctx context.Context, scalarKey, value, listKey, item string, limit int) error
	// PushCapped pushes item to the front of listKey and trims it to limit.
	PushCapped(ctx context.Context, listKey, item string, limit int) error
	// Range returns up to limit list items, newest first. limit <= 0 means all.
	Range(ctx context.Context, listKey string, limit int) ([]string, error)
	Len(ctx context.Context, listKey string) (int64, error)

	// AddMember reports whether member was newly added.
	AddMember(ctx context.Context, setKey, member string) (bool, error)
	IsMember(ctx context.Context, setKey, member string) (bool, error)
	Members(ctx context.Context, setKey string) ([]string, error)

	// Accumulate folds raw into the window accumulator for window (unix ms)
	// and returns the window it closed, if any. Only the caller that closed a
	// window receives it.
	Accumulate(ctx context.Context, keys AccumulatorKeys, raw float64, window int64) (*WindowTotals, error)
	// CloseWindow closes an accumulated window that started before window.
	CloseWindow(ctx context.Context, keys AccumulatorKeys, window int64) (*WindowTotals, error)

	Ping(ctx context.Context) error
	Close() error
}

// Keys builds the key layout for one prefix.
type Keys struct {
	Prefix string
}

func (k Keys) device(id, suffix string) string {
	return fmt.Sprintf("%s:%s:%s", k.Prefix, id, suffix)
}

// Latest is the latest-reading scalar.
func (k Keys) Latest(id string) string { return k.device(id, "latest") }

// History is the fine history list.
func (k Keys) History(id string) string { return k.device(id, "history") }

// Config is the calibration scalar.
func (k Keys) Config(id string) string { return k.device(id, "config") }

// Rollup is the rollup list.
func (k Keys) Rollup(id string) string { return k.device(id, "rollup") }

// AlertLast holds the time of the last dryness alert.
func (k Keys) AlertLast(id string) string { return k.device(id, "alert:last") }

// Accumulator returns the window accumulator scalars.
func (k Keys) Accumulator(id string) AccumulatorKeys {
	return AccumulatorKeys{
		Window: k.device(id, "acc:window"),
		Sum:    k.device(id, "acc:sum"),
		Count:  k.device(id, "acc:count"),
	}
}

// Devices is the known-device set.
func (k Keys) Devices() string { return k.Prefix + ":devices" }
