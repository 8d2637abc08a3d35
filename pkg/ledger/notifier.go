package ledger

import "sync"

// statusNotifier wakes pollers waiting on a checkup when a callback changes it.
type statusNotifier struct {
	mutex   sync.Mutex
	waiters map[string]map[chan struct{}]struct{}
}

func newStatusNotifier() *statusNotifier {
	return &statusNotifier{waiters: make(map[string]map[chan struct{}]struct{})}
}

// subscribe returns a channel closed on the next publish for checkupID.
func (notifier *statusNotifier) subscribe(checkupID CheckupID) (<-chan struct{}, func()) {
	key := checkupID.String()
	signal := make(chan struct{})
	notifier.mutex.Lock()
	if notifier.waiters[key] == nil {
		notifier.waiters[key] = make(map[chan struct{}]struct{})
	}
	notifier.waiters[key][signal] = struct{}{}
	notifier.mutex.Unlock()
	cancel := func() {
		notifier.mutex.Lock()
		defer notifier.mutex.Unlock()
		waiters := notifier.waiters[key]
		if _, ok := waiters[signal]; !ok {
			return
		}
		delete(waiters, signal)
		if len(waiters) == 0 {
			delete(notifier.waiters, key)
		}
	}
	return signal, cancel
}

func (notifier *statusNotifier) publish(checkupID CheckupID) {
	key := checkupID.String()
	notifier.mutex.Lock()
	waiters := notifier.waiters[key]
	delete(notifier.waiters, key)
	notifier.mutex.Unlock()
	for signal := range waiters {
		close(signal)
	}
}
