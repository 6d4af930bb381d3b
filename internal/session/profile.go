package session

// SiteProfile carries every site-specific selector and URL the supervisor
// touches. The core never hardcodes DOM details; swapping the profile is how
// the brittle parts get updated when the booking site changes its markup.
type SiteProfile struct {
	LoginURL    string
	UserField   string
	PassField   string
	SubmitBtn   string
	BookingBtn  string
	BookingPath string

	// SchedulerLandmark signals the booking UI has rendered enough to be
	// interacted with; NavLandmark identifies a live booking tab.
	SchedulerLandmark string
	NavLandmark       string

	CalendarContainer string
	CalendarToggle    string
	CalendarHeader    string
	ArrowLeft         string
	ArrowRight        string

	AuthAlert       string
	AuthExpiredText string
}

// DefaultProfile matches the production booking site.
func DefaultProfile() SiteProfile {
	return SiteProfile{
		LoginURL:          "https://gpm.golfzonpark.com",
		UserField:         "#user_id",
		PassField:         "#user_pw",
		SubmitBtn:         "button[type='submit']",
		BookingBtn:        "button.booking__btn",
		BookingPath:       "/ui/booking",
		SchedulerLandmark: ".dhx_cal_container.dhx_scheduler_list",
		NavLandmark:       ".dhx_cal_nav_button",
		CalendarContainer: ".vfc-main-container",
		CalendarToggle:    ".btn_clander",
		CalendarHeader:    ".vfc-top-date.vfc-center",
		ArrowLeft:         ".vfc-arrow-left",
		ArrowRight:        ".vfc-arrow-right",
		AuthAlert:         ".ico_alert_p",
		AuthExpiredText:   "인증이 만료되었습니다",
	}
}
