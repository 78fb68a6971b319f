package booking

import "sync"

// keyedLocks hands out one mutex per key and forgets it once nobody holds or
// waits on it.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (k *keyedLocks) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func appointmentKey(patientID, appointmentID string) string {
	return "appt:" + patientID + "/" + appointmentID
}

func slotKey(doctorID, day string) string {
	return "slot:" + doctorID + "/" + NormalizeDay(day)
}

func scheduleKey(doctorID string) string {
	return "schedule:" + doctorID
}
