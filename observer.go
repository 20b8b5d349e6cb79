package extprocmux

// Observer is notified of transaction outcomes and stream handle lifecycle
// events. It only observes: nothing it does influences routing.
//
// Methods are called from the goroutines that drive transactions and streams,
// so implementations must be safe for concurrent use and should not block.
type Observer interface {
	// TransactionFinished is called once for every submitted transaction, when
	// it is completed or aborted.
	TransactionFinished(Result)
	// HandleOpened is called when a stream handle's stream has been opened.
	HandleOpened(handleID uint64)
	// HandleClosed is called when a stream handle that was opened is closed.
	// The error is nil if the handle closed cleanly.
	HandleClosed(handleID uint64, transactions int, err error)
	// ResponseDrained is called for every response that was consumed on
	// behalf of an aborted transaction.
	ResponseDrained(handleID uint64)
	// ProtocolViolation is called when a response could not be correlated.
	ProtocolViolation(handleID uint64)
}

type nopObserver struct{}

func (nopObserver) TransactionFinished(Result)      {}
func (nopObserver) HandleOpened(uint64)             {}
func (nopObserver) HandleClosed(uint64, int, error) {}
func (nopObserver) ResponseDrained(uint64)          {}
func (nopObserver) ProtocolViolation(uint64)        {}

// Observers combines several observers into one that notifies each in turn.
func Observers(observers ...Observer) Observer {
	return multiObserver(observers)
}

type multiObserver []Observer

func (m multiObserver) TransactionFinished(r Result) {
	for _, o := range m {
		o.TransactionFinished(r)
	}
}

func (m multiObserver) HandleOpened(id uint64) {
	for _, o := range m {
		o.HandleOpened(id)
	}
}

func (m multiObserver) HandleClosed(id uint64, transactions int, err error) {
	for _, o := range m {
		o.HandleClosed(id, transactions, err)
	}
}

func (m multiObserver) ResponseDrained(id uint64) {
	for _, o := range m {
		o.ResponseDrained(id)
	}
}

func (m multiObserver) ProtocolViolation(id uint64) {
	for _, o := range m {
		o.ProtocolViolation(id)
	}
}
