package kv

// ============================================================================
// Persistence Backend Contract
// Purpose: synchronous key -> string storage with a finite capacity
// ============================================================================
//
// The capacity of a backend is environment-defined and is not part of the
// contract: callers estimate it (see CapacityEstimator) and find out about it
// for certain only when a write fails with ErrQuotaExceeded.
//
// ============================================================================

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrQuotaExceeded is returned by Set when the write would exceed capacity.
	ErrQuotaExceeded = errors.New("kv: quota exceeded")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("kv: backend closed")
)

// Backend is the persistence contract used by the data store.
type Backend interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Remove(key string) error
	Keys() ([]string, error)
}

// CapacityEstimator is an optional capability reporting the backend's total
// capacity in bytes.
type CapacityEstimator interface {
	EstimateCapacity() (int64, error)
}

// UsageReporter is an optional capability reporting used bytes directly.
type UsageReporter interface {
	Usage() (int64, error)
}

// EntrySize is the accounted size of one entry.
func EntrySize(key, value string) int64 {
	return int64(len(key) + len(value))
}

// IsQuotaExceeded reports whether err is (or wraps) ErrQuotaExceeded.
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// QuotaError carries the numbers behind a rejected write.
type QuotaError struct {
	Key       string
	Requested int64
	Used      int64
	Capacity  int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("kv: write of %q (%d bytes) exceeds capacity: %d used of %d",
		e.Key, e.Requested, e.Used, e.Capacity)
}

// Unwrap lets errors.Is match ErrQuotaExceeded.
func (e *QuotaError) Unwrap() error { return ErrQuotaExceeded }

// Usage returns used bytes for any backend, preferring UsageReporter.
func Usage(b Backend) (int64, error) {
	if r, ok := b.(UsageReporter); ok {
		return r.Usage()
	}
	keys, err := b.Keys()
	if err != nil {
		return 0, fmt.Errorf("list keys: %w", err)
	}
	var total int64
	for _, k := range keys {
		v, ok, err := b.Get(k)
		if err != nil {
			return 0, fmt.Errorf("read %q: %w", k, err)
		}
		if ok {
			total += EntrySize(k, v)
		}
	}
	return total, nil
}

// KeysWithPrefix lists keys starting with prefix, sorted.
func KeysWithPrefix(b Backend, prefix string) ([]string, error) {
	keys, err := b.Keys()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// RemovePrefix deletes every key with prefix and returns the bytes released.
func RemovePrefix(b Backend, prefix string) (int64, error) {
	keys, err := KeysWithPrefix(b, prefix)
	if err != nil {
		return 0, err
	}
	var freed int64
	for _, k := range keys {
		v, ok, err := b.Get(k)
		if err != nil {
			return freed, err
		}
		if err := b.Remove(k); err != nil {
			return freed, err
		}
		if ok {
			freed += EntrySize(k, v)
		}
	}
	return freed, nil
}
