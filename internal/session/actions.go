package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
)

// ErrActionExecution means the calendar interaction itself failed: an
// expected element was missing or the target day could not be clicked. The
// failure is recorded on the action record and retried by the sweep.
var ErrActionExecution = errors.New("calendar action failed")

// PerformDayClick reloads the booking tab, navigates its mini-calendar to
// the month of targetDate (YYYYMMDD) and clicks the day. This is the DOM
// action every queued ActionRecord ultimately runs.
func (s *Supervisor) PerformDayClick(ctx context.Context, targetDate string) error {
	if len(targetDate) < 8 {
		return fmt.Errorf("%w: bad target date %q", ErrActionExecution, targetDate)
	}
	year, err1 := strconv.Atoi(targetDate[0:4])
	month, err2 := strconv.Atoi(targetDate[4:6])
	day, err3 := strconv.Atoi(targetDate[6:8])
	if err1 != nil || err2 != nil || err3 != nil {
		return fmt.Errorf("%w: bad target date %q", ErrActionExecution, targetDate)
	}

	tab, err := s.ReservationTab(ctx)
	if err != nil {
		return err
	}
	prof := s.cfg.Profile

	if err := tab.Context(ctx).Timeout(navTimeout).Reload(); err != nil {
		return fmt.Errorf("%w: reload booking tab: %v", ErrActionExecution, err)
	}
	if err := tab.Timeout(navTimeout).WaitLoad(); err != nil {
		return fmt.Errorf("%w: booking tab load: %v", ErrActionExecution, err)
	}
	// The scheduler keeps fetching briefly after load; give it a moment.
	time.Sleep(3 * time.Second)

	// Open the mini-calendar if it is not already on screen.
	if _, err := tab.Timeout(1500 * time.Millisecond).Element(prof.CalendarContainer); err != nil {
		toggle, err := tab.Timeout(selectorTimeout).Element(prof.CalendarToggle)
		if err != nil {
			return fmt.Errorf("%w: calendar toggle: %v", ErrActionExecution, err)
		}
		if err := toggle.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return fmt.Errorf("%w: open calendar: %v", ErrActionExecution, err)
		}
	}
	if _, err := tab.Timeout(selectorTimeout).Element(prof.CalendarHeader); err != nil {
		return fmt.Errorf("%w: calendar header: %v", ErrActionExecution, err)
	}

	curYear, curMonth, err := s.calendarPosition(tab)
	if err != nil {
		return err
	}
	log.Info().
		Int("currentYear", curYear).Int("currentMonth", curMonth).
		Int("targetYear", year).Int("targetMonth", month).
		Msg("navigating calendar")

	diff := (year-curYear)*12 + (month - curMonth)
	arrow := prof.ArrowRight
	if diff < 0 {
		arrow = prof.ArrowLeft
		diff = -diff
	}
	for i := 0; i < diff; i++ {
		el, err := tab.Timeout(3 * time.Second).Element(arrow)
		if err != nil {
			return fmt.Errorf("%w: calendar arrow: %v", ErrActionExecution, err)
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return fmt.Errorf("%w: calendar page turn: %v", ErrActionExecution, err)
		}
		time.Sleep(500 * time.Millisecond)
	}

	clicked, err := s.clickDay(tab, day)
	if err != nil {
		return err
	}
	if !clicked {
		return fmt.Errorf("%w: day %d not present in calendar", ErrActionExecution, day)
	}
	log.Info().Str("targetDate", targetDate).Msg("calendar day clicked")
	return nil
}

// calendarPosition reads the year and month the mini-calendar currently
// shows. The header renders the month as "N월" next to the year.
func (s *Supervisor) calendarPosition(tab *rod.Page) (int, int, error) {
	res, err := tab.Eval(fmt.Sprintf(`() => {
		const links = document.querySelectorAll('%s a');
		return {
			month: parseInt((links[0] ? links[0].textContent : '').trim().replace('월', '')),
			year: parseInt((links[1] ? links[1].textContent : '').trim())
		};
	}`, s.cfg.Profile.CalendarHeader))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: read calendar position: %v", ErrActionExecution, err)
	}
	year := res.Value.Get("year").Int()
	month := res.Value.Get("month").Int()
	if year == 0 || month == 0 {
		return 0, 0, fmt.Errorf("%w: calendar header unreadable", ErrActionExecution)
	}
	return year, month, nil
}

// clickDay clicks the day cell inside the visible weeks, skipping cells that
// belong to the adjacent months.
func (s *Supervisor) clickDay(tab *rod.Page, day int) (bool, error) {
	res, err := tab.Eval(`(day) => {
		const weeks = document.querySelectorAll('.vfc-week');
		for (const week of weeks) {
			for (const cell of week.querySelectorAll('.vfc-day')) {
				const span = cell.querySelector('.vfc-span-day');
				if (span && !span.classList.contains('vfc-hide') &&
						parseInt(span.textContent.trim()) === day) {
					span.click();
					return true;
				}
			}
		}
		return false;
	}`, day)
	if err != nil {
		return false, fmt.Errorf("%w: click day: %v", ErrActionExecution, err)
	}
	return res.Value.Bool(), nil
}
