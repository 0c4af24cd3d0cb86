// Package otgservice provides the single entry point the rest of the
// appliance uses to turn HID and mass-storage gadget functions on and
// off, coordinating the two independently-toggleable subsystems that
// share one composite gadget.
package otgservice

import (
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mofeng-git/One-KVM-sub001/internal/errutil"
	"github.com/mofeng-git/One-KVM-sub001/internal/otg/function"
	"github.com/mofeng-git/One-KVM-sub001/internal/otg/gadget"
)

const (
	flagHID uint32 = 1 << 0
	flagMSD uint32 = 1 << 1
)

// hidWaitTimeout bounds how long Service waits for /dev/hidgN nodes to
// appear after binding a gadget that includes HID functions.
const hidWaitTimeout = 2 * time.Second

// HidDevicePaths is the set of /dev/hidgN nodes created for the HID
// functions of an active gadget. Carries all four HID personalities:
// spec.md's HID-enable sequence wires keyboard, relative mouse, absolute
// mouse, and consumer control, even though the system this was distilled
// from only wired the first three.
type HidDevicePaths struct {
	Keyboard        string
	MouseRelative   string
	MouseAbsolute   string
	ConsumerControl string
}

func defaultHidDevicePaths() HidDevicePaths {
	return HidDevicePaths{
		Keyboard:        "/dev/hidg0",
		MouseRelative:   "/dev/hidg1",
		MouseAbsolute:   "/dev/hidg2",
		ConsumerControl: "/dev/hidg3",
	}
}

func (p HidDevicePaths) slice() []string {
	return []string{p.Keyboard, p.MouseRelative, p.MouseAbsolute, p.ConsumerControl}
}

// State is a point-in-time snapshot of the service's gadget status.
type State struct {
	GadgetActive bool
	HIDEnabled   bool
	MSDEnabled   bool
	HIDPaths     *HidDevicePaths
	Error        string
}

// Service owns the composite gadget manager and exposes independent
// enable/disable operations for HID and mass storage. Enabling or
// disabling either subsystem recreates the whole gadget, since ConfigFS
// functions cannot be added to or removed from a bound gadget in place.
type Service struct {
	managerMu sync.Mutex
	manager   *gadget.Manager

	stateMu sync.RWMutex
	state   State

	msdMu sync.RWMutex
	msd   *function.MSDFunction

	requested uint32 // atomic bitmask of flagHID | flagMSD

	newManager func() *gadget.Manager
	log        *log.Logger
}

// Option configures a Service at construction time.
type Option func(*Service)

// WithLogger overrides the default stderr logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithManagerFactory overrides how a fresh gadget.Manager is constructed
// on recreate, letting tests and callers with custom descriptors inject
// their own factory instead of gadget.New's defaults.
func WithManagerFactory(f func() *gadget.Manager) Option {
	return func(s *Service) { s.newManager = f }
}

// New creates a Service with no functions enabled.
func New(opts ...Option) *Service {
	s := &Service{
		newManager: func() *gadget.Manager { return gadget.New("one-kvm") },
		log:        log.New(os.Stderr, "otgservice: ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsAvailable reports whether the host can support a gadget at all:
// ConfigFS mounted and at least one UDC present.
func IsAvailable() bool {
	return gadget.IsAvailable() && gadget.FindUDC() != ""
}

func (s *Service) isHIDRequested() bool { return atomic.LoadUint32(&s.requested)&flagHID != 0 }
func (s *Service) isMSDRequested() bool { return atomic.LoadUint32(&s.requested)&flagMSD != 0 }

func (s *Service) setRequested(flag uint32, want bool) {
	for {
		old := atomic.LoadUint32(&s.requested)
		var next uint32
		if want {
			next = old | flag
		} else {
			next = old &^ flag
		}
		if atomic.CompareAndSwapUint32(&s.requested, old, next) {
			return
		}
	}
}

// State returns a snapshot of the current service state.
func (s *Service) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// IsGadgetActive reports whether a gadget is currently set up and bound.
func (s *Service) IsGadgetActive() bool { return s.State().GadgetActive }

// IsHIDEnabled reports whether HID functions are currently active.
func (s *Service) IsHIDEnabled() bool { return s.State().HIDEnabled }

// IsMSDEnabled reports whether the mass-storage function is currently
// active.
func (s *Service) IsMSDEnabled() bool { return s.State().MSDEnabled }

// GadgetPath returns the active gadget's ConfigFS path, or "" if no
// gadget is active.
func (s *Service) GadgetPath() string {
	s.managerMu.Lock()
	defer s.managerMu.Unlock()
	if s.manager == nil {
		return ""
	}
	return s.manager.GadgetPath()
}

// MSDFunction returns the active MSD function handle for LUN
// configuration, or nil if MSD is not enabled.
func (s *Service) MSDFunction() *function.MSDFunction {
	s.msdMu.RLock()
	defer s.msdMu.RUnlock()
	return s.msd
}

// EnableHID ensures the gadget includes HID functions, creating or
// rebuilding it as needed, and returns the resulting device paths.
func (s *Service) EnableHID() (HidDevicePaths, error) {
	s.log.Printf("enabling HID functions")
	s.setRequested(flagHID, true)

	if st := s.State(); st.HIDEnabled && st.HIDPaths != nil {
		s.log.Printf("HID already enabled, returning existing paths")
		return *st.HIDPaths, nil
	}

	if err := s.recreateGadget(); err != nil {
		return HidDevicePaths{}, err
	}

	st := s.State()
	if st.HIDPaths == nil {
		return HidDevicePaths{}, errutil.New("HID paths not set after gadget setup")
	}
	return *st.HIDPaths, nil
}

// DisableHID removes HID functions from the gadget, recreating it
// without them (or tearing it down entirely if MSD is also disabled).
func (s *Service) DisableHID() error {
	s.log.Printf("disabling HID functions")
	s.setRequested(flagHID, false)

	if !s.State().HIDEnabled {
		s.log.Printf("HID already disabled")
		return nil
	}
	return s.recreateGadget()
}

// EnableMSD ensures the gadget includes the mass-storage function and
// returns its handle for LUN configuration.
func (s *Service) EnableMSD() (*function.MSDFunction, error) {
	s.log.Printf("enabling MSD function")
	s.setRequested(flagMSD, true)

	if s.State().MSDEnabled {
		if f := s.MSDFunction(); f != nil {
			s.log.Printf("MSD already enabled, returning existing function")
			return f, nil
		}
	}

	if err := s.recreateGadget(); err != nil {
		return nil, err
	}

	if f := s.MSDFunction(); f != nil {
		return f, nil
	}
	return nil, errutil.New("MSD function not set after gadget setup")
}

// DisableMSD removes the mass-storage function from the gadget.
func (s *Service) DisableMSD() error {
	s.log.Printf("disabling MSD function")
	s.setRequested(flagMSD, false)

	if !s.State().MSDEnabled {
		s.log.Printf("MSD already disabled")
		return nil
	}
	return s.recreateGadget()
}

// recreateGadget is the single choke point every enable/disable call
// routes through: it tears down whatever gadget currently exists and, if
// anything is still requested, builds and binds a fresh one matching the
// current HID/MSD flags.
func (s *Service) recreateGadget() error {
	hidRequested := s.isHIDRequested()
	msdRequested := s.isMSDRequested()
	s.log.Printf("recreating gadget with: HID=%v, MSD=%v", hidRequested, msdRequested)

	if st := s.State(); st.GadgetActive && st.HIDEnabled == hidRequested && st.MSDEnabled == msdRequested {
		s.log.Printf("gadget already has requested functions, skipping recreate")
		return nil
	}

	s.managerMu.Lock()
	old := s.manager
	s.manager = nil
	s.managerMu.Unlock()
	if old != nil {
		s.log.Printf("cleaning up existing gadget before recreate")
		if err := old.Cleanup(); err != nil {
			s.log.Printf("error cleaning up existing gadget: %v", err)
		}
	}

	s.msdMu.Lock()
	s.msd = nil
	s.msdMu.Unlock()

	s.setState(State{})

	if !hidRequested && !msdRequested {
		s.log.Printf("no functions requested, gadget destroyed")
		return nil
	}

	if !IsAvailable() {
		err := errutil.New("OTG not available: configfs not mounted or no UDC found")
		s.setStateError(err.Error())
		return err
	}

	mgr := s.newManager()
	var hidPaths *HidDevicePaths

	if hidRequested {
		paths, err := addHIDFunctions(mgr)
		if err != nil {
			wrapped := errutil.Wrap(err, "failed to add HID functions")
			s.setStateError(wrapped.Error())
			return wrapped
		}
		hidPaths = &paths
	}

	var msdFunc *function.MSDFunction
	if msdRequested {
		f, err := mgr.AddMSD()
		if err != nil {
			wrapped := errutil.Wrap(err, "failed to add MSD function")
			s.setStateError(wrapped.Error())
			return wrapped
		}
		msdFunc = f
	}

	if err := mgr.Setup(); err != nil {
		wrapped := errutil.Wrap(err, "failed to setup gadget")
		s.setStateError(wrapped.Error())
		return wrapped
	}

	if err := mgr.Bind(); err != nil {
		wrapped := errutil.Wrap(err, "failed to bind gadget to UDC")
		s.setStateError(wrapped.Error())
		mgr.Cleanup()
		return wrapped
	}

	if hidPaths != nil {
		if !gadget.WaitForHIDDevices(hidPaths.slice(), hidWaitTimeout) {
			s.log.Printf("HID devices did not appear after gadget setup")
		}
	}

	s.managerMu.Lock()
	s.manager = mgr
	s.managerMu.Unlock()

	s.msdMu.Lock()
	s.msd = msdFunc
	s.msdMu.Unlock()

	s.setState(State{
		GadgetActive: true,
		HIDEnabled:   hidRequested,
		MSDEnabled:   msdRequested,
		HIDPaths:     hidPaths,
	})

	s.log.Printf("gadget created successfully")
	return nil
}

func addHIDFunctions(mgr *gadget.Manager) (HidDevicePaths, error) {
	paths := defaultHidDevicePaths()

	kb, err := mgr.AddKeyboard()
	if err != nil {
		return HidDevicePaths{}, err
	}
	rel, err := mgr.AddMouseRelative()
	if err != nil {
		return HidDevicePaths{}, err
	}
	abs, err := mgr.AddMouseAbsolute()
	if err != nil {
		return HidDevicePaths{}, err
	}
	cc, err := mgr.AddConsumerControl()
	if err != nil {
		return HidDevicePaths{}, err
	}

	paths.Keyboard = kb
	paths.MouseRelative = rel
	paths.MouseAbsolute = abs
	paths.ConsumerControl = cc
	return paths, nil
}

func (s *Service) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

func (s *Service) setStateError(msg string) {
	s.stateMu.Lock()
	s.state.Error = msg
	s.stateMu.Unlock()
}

// Shutdown clears all requested flags and tears down the active gadget,
// if any.
func (s *Service) Shutdown() error {
	s.log.Printf("shutting down OTG service")
	atomic.StoreUint32(&s.requested, 0)

	s.managerMu.Lock()
	old := s.manager
	s.manager = nil
	s.managerMu.Unlock()
	if old != nil {
		if err := old.Cleanup(); err != nil {
			s.log.Printf("error cleaning up gadget during shutdown: %v", err)
		}
	}

	s.msdMu.Lock()
	s.msd = nil
	s.msdMu.Unlock()

	s.setState(State{})
	s.log.Printf("OTG service shutdown complete")
	return nil
}
