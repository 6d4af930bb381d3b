// Package session owns the automated browser's lifecycle: one Chrome
// instance, one login, one booking tab. Nothing outside this package holds a
// browser or page handle; all consumers go through ReservationTab, and every
// cached handle is treated as a hint to be revalidated, never as truth.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"teebridge/internal/restart"
	"teebridge/internal/winrestore"
)

var (
	// ErrTabNotFound means no open tab matches the booking path with the
	// expected landmark. Retryable: the next sweep will try again.
	ErrTabNotFound = errors.New("reservation tab not found")

	// ErrSessionNotReady means the browser or page handles are gone. No
	// amount of waiting fixes a dead browser; callers escalate to the
	// restart policy.
	ErrSessionNotReady = errors.New("browser session not ready")
)

const (
	navTimeout      = 60 * time.Second
	selectorTimeout = 10 * time.Second
	landmarkTimeout = 30 * time.Second
	authPollEvery   = 5 * time.Second
	disconnectPoll  = 5 * time.Second

	// StartupGrace is the window after login during which health-check
	// failures are tolerated without triggering recovery.
	StartupGrace = time.Minute
)

// Credentials for the booking site's login form.
type Credentials struct {
	UserID   string
	Password string
}

// Config wires the supervisor's collaborators.
type Config struct {
	ChromePath string
	Profile    SiteProfile

	// AttachHook is called with the freshly captured booking tab so the
	// interception layer can register its network listeners.
	AttachHook func(*rod.Page)

	// OnAuthExpired notifies the UI layer; re-authentication is an explicit
	// user action, never automatic.
	OnAuthExpired func()
}

// Supervisor is the single authority over the browser. A previous session is
// never reused: Login force-terminates any prior instance and replaces every
// handle wholesale.
type Supervisor struct {
	cfg     Config
	restore *winrestore.Broker
	policy  *restart.Policy

	mu        sync.Mutex
	launch    *launcher.Launcher
	browser   *rod.Browser
	mainPage  *rod.Page
	resTab    *rod.Page
	chromePID int
	startedAt time.Time
	closing   bool
	watchStop chan struct{}
}

func NewSupervisor(cfg Config, restore *winrestore.Broker, policy *restart.Policy) *Supervisor {
	if cfg.Profile == (SiteProfile{}) {
		cfg.Profile = DefaultProfile()
	}
	return &Supervisor{cfg: cfg, restore: restore, policy: policy}
}

// StartedAt returns when the current session became ready (zero if none).
func (s *Supervisor) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// ChromePID returns the OS pid of the managed Chrome process, 0 if none.
func (s *Supervisor) ChromePID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chromePID
}

// Alive reports whether the browser connection answers within the timeout.
func (s *Supervisor) Alive(ctx context.Context) bool {
	s.mu.Lock()
	b := s.browser
	s.mu.Unlock()
	if b == nil {
		return false
	}
	done := make(chan error, 1)
	go func() {
		_, err := b.Version()
		done <- err
	}()
	select {
	case err := <-done:
		return err == nil
	case <-ctx.Done():
		return false
	}
}

// Login tears down any previous browser, launches a fresh one, submits the
// login form, captures the booking tab and smoke-tests it. Only after all of
// that is the session Ready.
func (s *Supervisor) Login(ctx context.Context, creds Credentials) error {
	s.teardown(false)

	l := launcher.New().
		Bin(s.cfg.ChromePath).
		Headless(false).
		Leakless(true).
		Set("window-size", "1200,1000").
		Set("window-position", "0,0").
		Set("disable-infobars").
		Set("disable-features", "AutofillServerCommunication").
		Set("disable-blink-features", "AutomationControlled")
	controlURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("launch chrome: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return fmt.Errorf("connect to chrome: %w", err)
	}
	log.Info().Int("pid", l.PID()).Msg("browser launched")

	pages, err := browser.Pages()
	if err != nil {
		return fmt.Errorf("list pages: %w", err)
	}
	var page *rod.Page
	if len(pages) > 0 {
		page = pages[0]
	} else {
		page, err = browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
		if err != nil {
			return fmt.Errorf("create page: %w", err)
		}
	}

	s.mu.Lock()
	s.launch = l
	s.browser = browser
	s.mainPage = page
	s.chromePID = l.PID()
	s.closing = false
	s.mu.Unlock()

	if err := s.submitLogin(ctx, page, creds); err != nil {
		return err
	}

	tab, err := s.openBookingTab(ctx, browser, page)
	if err != nil {
		return err
	}
	if s.cfg.AttachHook != nil {
		s.cfg.AttachHook(tab)
	}
	if err := s.smokeTest(tab); err != nil {
		log.Warn().Err(err).Msg("calendar smoke test failed, continuing anyway")
	}

	stop := make(chan struct{})
	s.mu.Lock()
	s.resTab = tab
	s.startedAt = time.Now()
	s.watchStop = stop
	s.mu.Unlock()

	go s.watchDisconnect(browser, stop)
	go s.watchAuthExpiry(browser, stop)

	if info, err := tab.Info(); err == nil {
		log.Info().Str("url", info.URL).Msg("reservation session ready")
	}
	return nil
}

func (s *Supervisor) submitLogin(ctx context.Context, page *rod.Page, creds Credentials) error {
	prof := s.cfg.Profile
	page = page.Context(ctx)

	if err := page.Timeout(navTimeout).Navigate(prof.LoginURL); err != nil {
		return fmt.Errorf("open login page: %w", err)
	}
	if err := page.Timeout(navTimeout).WaitLoad(); err != nil {
		return fmt.Errorf("load login page: %w", err)
	}

	user, err := page.Timeout(selectorTimeout).Element(prof.UserField)
	if err != nil {
		return fmt.Errorf("login form user field: %w", err)
	}
	if err := user.Input(creds.UserID); err != nil {
		return fmt.Errorf("type user id: %w", err)
	}
	pass, err := page.Timeout(selectorTimeout).Element(prof.PassField)
	if err != nil {
		return fmt.Errorf("login form password field: %w", err)
	}
	if err := pass.Input(creds.Password); err != nil {
		return fmt.Errorf("type password: %w", err)
	}

	wait := page.Timeout(navTimeout).WaitNavigation(proto.PageLifecycleEventNameNetworkAlmostIdle)
	submit, err := page.Timeout(selectorTimeout).Element(prof.SubmitBtn)
	if err != nil {
		return fmt.Errorf("login submit button: %w", err)
	}
	if err := submit.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click login: %w", err)
	}
	wait()
	log.Info().Msg("login submitted")
	return nil
}

// openBookingTab clicks the booking control and captures the tab it opens
// via a one-shot target-created wait. The subscription is released on both
// the success and the timeout path.
func (s *Supervisor) openBookingTab(ctx context.Context, browser *rod.Browser, page *rod.Page) (*rod.Page, error) {
	prof := s.cfg.Profile

	tabCtx, cancel := context.WithTimeout(ctx, landmarkTimeout)
	defer cancel()

	var targetID proto.TargetTargetID
	wait := browser.Context(tabCtx).EachEvent(func(e *proto.TargetTargetCreated) bool {
		// Only tabs this browser opened itself; external windows are noise.
		if e.TargetInfo.Type != "page" || e.TargetInfo.OpenerID == "" {
			return false
		}
		targetID = e.TargetInfo.TargetID
		return true
	})

	btn, err := page.Context(ctx).Timeout(selectorTimeout).Element(prof.BookingBtn)
	if err != nil {
		return nil, fmt.Errorf("booking button: %w", err)
	}
	if err := btn.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return nil, fmt.Errorf("click booking button: %w", err)
	}
	wait()
	if targetID == "" {
		return nil, fmt.Errorf("%w: booking tab never opened", ErrTabNotFound)
	}

	tab, err := browser.PageFromTarget(targetID)
	if err != nil {
		return nil, fmt.Errorf("attach booking tab: %w", err)
	}
	if _, err := tab.Activate(); err != nil {
		log.Warn().Err(err).Msg("bring booking tab to front")
	}
	if _, err := tab.Timeout(landmarkTimeout).Element(prof.SchedulerLandmark); err != nil {
		return nil, fmt.Errorf("booking ui landmark: %w", err)
	}
	log.Info().Msg("booking tab captured")
	return tab, nil
}

// smokeTest opens the calendar panel and closes it again: a cheap one-time
// interaction proving the page is truly interactive, not just loaded.
func (s *Supervisor) smokeTest(tab *rod.Page) error {
	prof := s.cfg.Profile
	toggle, err := tab.Timeout(selectorTimeout).Element(prof.CalendarToggle)
	if err != nil {
		return fmt.Errorf("calendar toggle: %w", err)
	}
	if err := toggle.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("open calendar: %w", err)
	}
	if _, err := tab.Timeout(selectorTimeout).Element(prof.CalendarContainer); err != nil {
		return fmt.Errorf("calendar did not open: %w", err)
	}
	if err := toggle.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("close calendar: %w", err)
	}
	return nil
}

// ReservationTab returns the live, interactable booking tab. The cached
// reference is revalidated before use; on a miss all open tabs are scanned
// for the booking path plus landmark.
func (s *Supervisor) ReservationTab(ctx context.Context) (*rod.Page, error) {
	s.mu.Lock()
	browser := s.browser
	cached := s.resTab
	pid := s.chromePID
	s.mu.Unlock()

	if browser == nil {
		return nil, ErrSessionNotReady
	}

	// A minimized window cannot be interacted with; restore it first.
	if s.restore != nil {
		if err := s.restore.Restore(ctx, pid); err != nil {
			return nil, fmt.Errorf("window restore: %w", err)
		}
	}

	if cached != nil {
		if tab, ok := s.validateTab(cached); ok {
			return tab, nil
		}
		s.mu.Lock()
		s.resTab = nil
		s.mu.Unlock()
	}

	pages, err := browser.Pages()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionNotReady, err)
	}
	prof := s.cfg.Profile
	for _, p := range pages {
		info, err := p.Info()
		if err != nil || !strings.Contains(info.URL, prof.BookingPath) {
			continue
		}
		if tab, ok := s.validateTab(p); ok {
			s.mu.Lock()
			s.resTab = tab
			s.mu.Unlock()
			log.Info().Str("url", info.URL).Msg("reservation tab located")
			return tab, nil
		}
	}
	return nil, ErrTabNotFound
}

// HasReservationTab is the cheap health probe: it only checks that some
// open tab sits on the booking path, without restoring windows or waiting
// for landmarks.
func (s *Supervisor) HasReservationTab() bool {
	s.mu.Lock()
	browser := s.browser
	s.mu.Unlock()
	if browser == nil {
		return false
	}
	pages, err := browser.Pages()
	if err != nil {
		return false
	}
	for _, p := range pages {
		if info, err := p.Info(); err == nil && strings.Contains(info.URL, s.cfg.Profile.BookingPath) {
			return true
		}
	}
	return false
}

// validateTab re-checks interactability: not closed, landmark present,
// focusable, DOM ready.
func (s *Supervisor) validateTab(p *rod.Page) (*rod.Page, bool) {
	info, err := p.Info()
	if err != nil || !strings.Contains(info.URL, s.cfg.Profile.BookingPath) {
		return nil, false
	}
	if _, err := p.Timeout(3 * time.Second).Element(s.cfg.Profile.NavLandmark); err != nil {
		return nil, false
	}
	if _, err := p.Activate(); err != nil {
		return nil, false
	}
	if err := p.Timeout(selectorTimeout).WaitLoad(); err != nil {
		return nil, false
	}
	return p, true
}

// watchDisconnect polls the browser connection and escalates to the restart
// policy when it drops. Nulling the handles first keeps later callers on the
// ErrSessionNotReady path instead of a hung CDP call.
func (s *Supervisor) watchDisconnect(browser *rod.Browser, stop <-chan struct{}) {
	ticker := time.NewTicker(disconnectPoll)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := browser.Version(); err == nil {
				continue
			}
			s.mu.Lock()
			intentional := s.closing
			if s.browser == browser {
				s.browser = nil
				s.mainPage = nil
				s.resTab = nil
			}
			s.mu.Unlock()
			if !intentional {
				log.Warn().Msg("browser disconnected")
				s.policy.Request("browser disconnected")
			}
			return
		}
	}
}

// watchAuthExpiry scans open tabs for the site's auth-expired banner. On
// detection the browser is shut down and the UI notified; there is no
// automatic re-login.
func (s *Supervisor) watchAuthExpiry(browser *rod.Browser, stop <-chan struct{}) {
	prof := s.cfg.Profile
	ticker := time.NewTicker(authPollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			pages, err := browser.Pages()
			if err != nil {
				continue
			}
			for _, p := range pages {
				el, err := p.Timeout(time.Second).Element(prof.AuthAlert)
				if err != nil {
					continue
				}
				text, err := el.Text()
				if err != nil || !strings.Contains(text, prof.AuthExpiredText) {
					continue
				}
				log.Warn().Msg("authentication expired")
				// The intentional shutdown must not race the disconnect
				// watcher into a second recovery.
				s.policy.Suppress(2 * time.Minute)
				if s.cfg.OnAuthExpired != nil {
					s.cfg.OnAuthExpired()
				}
				s.Shutdown()
				return
			}
		}
	}
}

// Shutdown force-terminates the browser and discards every handle. Safe to
// call repeatedly.
func (s *Supervisor) Shutdown() {
	s.teardown(true)
}

func (s *Supervisor) teardown(intentional bool) {
	s.mu.Lock()
	l, b := s.launch, s.browser
	stop := s.watchStop
	s.closing = intentional
	s.launch = nil
	s.browser = nil
	s.mainPage = nil
	s.resTab = nil
	s.chromePID = 0
	s.watchStop = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if b != nil {
		if err := b.Close(); err != nil {
			log.Debug().Err(err).Msg("browser close")
		}
	}
	if l != nil {
		// Kill the OS process too; a half-dead Chrome must never linger.
		l.Kill()
	}
	if b != nil || l != nil {
		log.Info().Msg("previous browser instance terminated")
	}
}
