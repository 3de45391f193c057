package events

// Subscription detaches a handler from the bus.
type Subscription interface {
	Unsubscribe()
}

type subs struct {
	bus   *Bus
	name  Name
	entry *handlerEntry
}

func (s *subs) Unsubscribe() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers := b.handlers[s.name]
	newList := make([]*handlerEntry, 0, len(handlers))
	for _, h := range handlers {
		if h != s.entry {
			newList = append(newList, h)
		}
	}
	b.handlers[s.name] = newList
}
