package execution

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// PortAllocator hands out host ports to server executions and enforces the
// per-user concurrency quota. Leases are process-local: this design assumes
// a single orchestrator instance owns every port it manages.
type PortAllocator struct {
	mu         sync.Mutex
	rangeStart int
	rangeEnd   int
	maxPerUser int
	leased     map[int]uuid.UUID          // port -> owning user
	byUser     map[uuid.UUID]map[int]bool // user -> leased ports
}

// NewPortAllocator creates an allocator over [rangeStart, rangeEnd] with a
// per-user lease cap.
func NewPortAllocator(rangeStart, rangeEnd, maxPerUser int) *PortAllocator {
	return &PortAllocator{
		rangeStart: rangeStart,
		rangeEnd:   rangeEnd,
		maxPerUser: maxPerUser,
		leased:     make(map[int]uuid.UUID),
		byUser:     make(map[uuid.UUID]map[int]bool),
	}
}

// Allocate leases a free port to userID. A preferred port within range is
// used when free; otherwise the range is scanned for the first free port.
// The availability check and the lease insertion happen under one lock.
func (a *PortAllocator) Allocate(userID uuid.UUID, preferred int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.byUser[userID]) >= a.maxPerUser {
		return 0, fmt.Errorf("%w: limit is %d, stop one container first", ErrQuotaExceeded, a.maxPerUser)
	}

	port := 0
	if preferred != 0 && a.free(preferred) {
		port = preferred
	} else {
		for p := a.rangeStart; p <= a.rangeEnd; p++ {
			if a.free(p) {
				port = p
				break
			}
		}
	}
	if port == 0 {
		return 0, fmt.Errorf("%w: %d-%d", ErrNoFreePorts, a.rangeStart, a.rangeEnd)
	}

	a.leased[port] = userID
	if a.byUser[userID] == nil {
		a.byUser[userID] = make(map[int]bool)
	}
	a.byUser[userID][port] = true

	log.Info().Int("port", port).Str("user_id", userID.String()).Msg("port leased")
	return port, nil
}

// Release returns a lease. Releasing a port that is not leased is a no-op,
// so every cleanup path (drive failure, stop, reaper) may call it safely.
func (a *PortAllocator) Release(userID uuid.UUID, port int) {
	if port == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	owner, ok := a.leased[port]
	if !ok {
		return
	}
	delete(a.leased, port)

	// Remove from the recorded owner's set, not the caller's. A caller
	// passing the wrong user must not leave the two maps disagreeing.
	if owner != userID {
		log.Warn().Int("port", port).
			Str("owner", owner.String()).
			Str("caller", userID.String()).
			Msg("port released by non-owner caller")
	}
	if ports := a.byUser[owner]; ports != nil {
		delete(ports, port)
		if len(ports) == 0 {
			delete(a.byUser, owner)
		}
	}

	log.Info().Int("port", port).Str("user_id", owner.String()).Msg("port released")
}

// CanAllocateMore is the fail-fast quota check performed before a drive
// begins any work.
func (a *PortAllocator) CanAllocateMore(userID uuid.UUID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byUser[userID]) < a.maxPerUser
}

// LeaseCount returns how many ports userID currently holds.
func (a *PortAllocator) LeaseCount(userID uuid.UUID) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byUser[userID])
}

// TotalLeased returns the number of ports leased across all users.
func (a *PortAllocator) TotalLeased() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.leased)
}

// free assumes a.mu is held.
func (a *PortAllocator) free(port int) bool {
	if port < a.rangeStart || port > a.rangeEnd {
		return false
	}
	_, taken := a.leased[port]
	return !taken
}
