package storage

import (
	"context"
	"fmt"
	"time"
)

// Marker tracks the last observed block of a scanning subsystem on one network.
type Marker struct {
	LastObservedBlock uint64 `json:"last_observed_block"`
	UpdatedAt         string `json:"updated_at"`
}

// MarkerKey returns the KV key for a subsystem marker, e.g. marker:watch:43113.
func MarkerKey(subsystem string, network uint64) string {
	return fmt.Sprintf("marker:%s:%d", subsystem, network)
}

// Markers persists block markers in a KV store.
type Markers struct {
	kv  KV
	now func() time.Time
}

func NewMarkers(kv KV) *Markers {
	return &Markers{kv: kv, now: time.Now}
}

// Load returns the marker for subsystem on network and whether one exists.
func (m *Markers) Load(ctx context.Context, subsystem string, network uint64) (Marker, bool, error) {
	var marker Marker
	ok, err := GetJSON(ctx, m.kv, MarkerKey(subsystem, network), &marker)
	if err != nil {
		return Marker{}, false, fmt.Errorf("load marker: %w", err)
	}
	return marker, ok, nil
}

// Save records block as the last observed block. Markers never move backwards.
func (m *Markers) Save(ctx context.Context, subsystem string, network uint64, block uint64) error {
	current, ok, err := m.Load(ctx, subsystem, network)
	if err != nil {
		return err
	}
	if ok && current.LastObservedBlock >= block {
		return nil
	}
	marker := Marker{
		LastObservedBlock: block,
		UpdatedAt:         m.now().UTC().Format(time.RFC3339Nano),
	}
	if err := PutJSON(ctx, m.kv, MarkerKey(subsystem, network), marker); err != nil {
		return fmt.Errorf("save marker: %w", err)
	}
	return nil
}
