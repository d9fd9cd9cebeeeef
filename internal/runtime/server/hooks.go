package server

// Hooks are connection lifecycle callbacks. All hooks are optional and run
// on the connection's goroutine. A panicking hook is logged and ignored.
type Hooks struct {
	// OnOpen runs once a connection is accepted. An error is logged and the
	// connection stays open.
	OnOpen func(info ConnInfo) error
	// OnError reports read, decode, and write failures. It never closes the
	// connection by itself.
	OnError func(info ConnInfo, err error)
	// OnClose runs after the connection is closed and its in-flight requests
	// are answered.
	OnClose func(info ConnInfo)
}

// Merge returns hooks that call h first and other second. For OnOpen both
// hooks run and the first error is returned.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnOpen:  chainOpen(h.OnOpen, other.OnOpen),
		OnError: chainError(h.OnError, other.OnError),
		OnClose: chainClose(h.OnClose, other.OnClose),
	}
}

func chainOpen(a, b func(ConnInfo) error) func(ConnInfo) error {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(info ConnInfo) error {
		errA := a(info)
		errB := b(info)
		if errA != nil {
			return errA
		}
		return errB
	}
}

func chainError(a, b func(ConnInfo, error)) func(ConnInfo, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(info ConnInfo, err error) {
		a(info, err)
		b(info, err)
	}
}

func chainClose(a, b func(ConnInfo)) func(ConnInfo) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(info ConnInfo) {
		a(info)
		b(info)
	}
}
