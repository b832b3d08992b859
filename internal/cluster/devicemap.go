package cluster

import (
	"errors"
	"sync"

	"golang.org/x/exp/slices"
)

// ErrDeviceSpaceExhausted is returned by DeviceMap.Allocate once every
// two-letter device identifier in [ba-zz] is in use.
var ErrDeviceSpaceExhausted = errors.New("cluster: device identifier space exhausted")

const deviceStart = "ba"

// DeviceMap is the ordered mapping from two-letter device identifier to the
// worker index currently using it. A worker index of -1 marks
// a freed slot, available for reuse by the next Allocate call ahead of
// minting a new lexicographic successor.
type DeviceMap struct {
	mu      sync.Mutex
	workers map[string]int
	ids     []string // kept sorted lexicographically
}

// NewDeviceMap returns an empty device map.
func NewDeviceMap() *DeviceMap {
	return &DeviceMap{workers: make(map[string]int)}
}

// Allocate returns the lowest-indexed freed device slot if one exists,
// otherwise mints the lexicographic successor of the highest device id
// currently in the map (starting at "ba") and assigns it to workerIndex.
func (d *DeviceMap) Allocate(workerIndex int) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, id := range d.ids {
		if d.workers[id] == -1 {
			d.workers[id] = workerIndex
			return id, nil
		}
	}

	var next string
	if len(d.ids) == 0 {
		next = deviceStart
	} else {
		var err error
		next, err = successor(d.ids[len(d.ids)-1])
		if err != nil {
			return "", err
		}
	}
	idx, _ := slices.BinarySearch(d.ids, next)
	d.ids = slices.Insert(d.ids, idx, next)
	d.workers[next] = workerIndex
	return next, nil
}

// Free marks device as available for reuse. Freeing an unknown device
// is a no-op.
func (d *DeviceMap) Free(device string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.workers[device]; ok {
		d.workers[device] = -1
	}
}

// WorkerFor returns the worker index currently assigned to device, or -1
// if the device is unknown or free.
func (d *DeviceMap) WorkerFor(device string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if idx, ok := d.workers[device]; ok {
		return idx
	}
	return -1
}

// successor computes the lexicographic successor of a two-letter
// identifier over [a-z], carrying into the first letter. successor errors
// once past "zz".
func successor(id string) (string, error) {
	if len(id) != 2 {
		return "", errors.New("cluster: device identifier must be two letters")
	}
	b := []byte(id)
	if b[1] != 'z' {
		b[1]++
		return string(b), nil
	}
	if b[0] == 'z' {
		return "", ErrDeviceSpaceExhausted
	}
	b[0]++
	b[1] = 'a'
	return string(b), nil
}
