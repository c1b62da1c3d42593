package procctl

// ScopedAttach is an RAII-style guard over a Controller: on construction
// it attaches if not already attached, remembering whether *it* was the
// one that did so, and Release only detaches in that case. This lets
// nested call sites (e.g. a scan run from inside the command-mode
// dispatcher's own guard) share a single outer attachment safely.
type ScopedAttach struct {
	ctl       *Controller
	didAttach bool
	ok        bool
}

// Acquire builds a ScopedAttach over ctl. If ctl is not already
// attached, it attempts to attach; failure is returned and Ok() will
// report false.
func Acquire(ctl *Controller) (*ScopedAttach, error) {
	if ctl.IsAttached() {
		return &ScopedAttach{ctl: ctl, didAttach: false, ok: true}, nil
	}

	if err := ctl.Attach(); err != nil {
		return &ScopedAttach{ctl: ctl, didAttach: false, ok: false}, err
	}
	return &ScopedAttach{ctl: ctl, didAttach: true, ok: true}, nil
}

// Ok reports whether this guard holds a live attachment (either one it
// created or one that already existed).
func (s *ScopedAttach) Ok() bool {
	return s != nil && s.ok
}

// Release detaches the controller only if this guard was the one that
// attached it. Calling Release more than once is safe; the second call
// is a no-op.
func (s *ScopedAttach) Release() error {
	if s == nil || !s.didAttach {
		return nil
	}
	s.didAttach = false
	return s.ctl.Detach()
}
