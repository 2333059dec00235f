// Package category names the endpoint categories the limiters are keyed by.
package category

// Authentication flows.
const (
	Login          = "login"
	Register       = "register"
	ForgotPassword = "forgot-password"
	ResetPassword  = "reset-password"
)

// Application endpoints.
const (
	Booking      = "booking"
	Chat         = "chat"
	Review       = "review"
	General      = "general"
	FileUpload   = "file-upload"
	Payment      = "payment"
	API          = "api"
	Search       = "search"
	Profile      = "profile"
	Notification = "notification"
	Restaurant   = "restaurant"
	Customer     = "customer"
	Admin        = "admin"
	Report       = "report"
	Voucher      = "voucher"
	Waitlist     = "waitlist"
	Table        = "table"
	Menu         = "menu"
	Reservation  = "reservation"
	Feedback     = "feedback"
	Support      = "support"
	Analytics    = "analytics"
	Settings     = "settings"
	Dashboard    = "dashboard"
)

var all = []string{
	Login, Register, ForgotPassword, ResetPassword,
	Booking, Chat, Review, General,
	FileUpload, Payment, API, Search, Profile, Notification,
	Restaurant, Customer, Admin, Report, Voucher, Waitlist,
	Table, Menu, Reservation, Feedback, Support, Analytics,
	Settings, Dashboard,
}

// All returns every known category in a stable order.
func All() []string {
	out := make([]string, len(all))
	copy(out, all)
	return out
}

// Known reports whether name is one of the categories above.
func Known(name string) bool {
	for _, c := range all {
		if c == name {
			return true
		}
	}
	return false
}
