package utils

// Guard runs a cleanup function when a multi-step constructor bails out part way through. Usage:
//
//	guard := NewGuard(func() { dev.Close(ctx) })
//	defer guard.OnFail()
//	if err := startWatcher(); err != nil {
//		return err
//	}
//	guard.Success()
type Guard struct {
	OnFail  func()
	success bool
}

// NewGuard returns a Guard that calls onFailCleanup from OnFail unless Success was called first.
func NewGuard(onFailCleanup func()) *Guard {
	ret := &Guard{}
	ret.OnFail = func() {
		if !ret.success {
			onFailCleanup()
		}
	}
	return ret
}

// Success marks the guarded sequence as complete so OnFail becomes a no-op.
func (guard *Guard) Success() {
	guard.success = true
}
