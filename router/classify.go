package router

import (
	"net/http"
	"strings"

	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/category"
)

type route struct {
	category string
	prefixes []string
	// match overrides prefixes when set.
	match func(method, path string) bool
}

// Order matters: the first matching route wins and /api/ catches every API
// path not claimed above it.
var routes = []route{
	{category: category.Login, prefixes: []string{"/login", "/auth/login"}},
	{category: category.Register, prefixes: []string{"/register", "/auth/register"}},
	{category: category.ForgotPassword, prefixes: []string{"/forgot-password", "/auth/forgot-password"}},
	{category: category.ResetPassword, prefixes: []string{"/reset-password", "/auth/reset-password"}},
	{category: category.Booking, prefixes: []string{"/booking/", "/api/booking/"}},
	{category: category.Chat, prefixes: []string{"/chat/", "/api/chat/", "/ws/", "/websocket/"}},
	{category: category.Review, prefixes: []string{"/reviews/", "/api/reviews/"}},
	{category: category.FileUpload, match: isUpload},
	{category: category.Payment, prefixes: []string{"/payment/", "/api/payment/", "/payos/", "/api/payos/"}},
	{category: category.API, prefixes: []string{"/api/"}},
	{category: category.Search, prefixes: []string{"/search/"}},
	{category: category.Profile, prefixes: []string{"/profile/"}},
	{category: category.Notification, prefixes: []string{"/notifications/"}},
	{category: category.Restaurant, prefixes: []string{"/restaurant/"}},
	{category: category.Customer, prefixes: []string{"/customer/"}},
	{category: category.Admin, prefixes: []string{"/admin/"}},
	{category: category.Report, prefixes: []string{"/report/"}},
	{category: category.Voucher, prefixes: []string{"/voucher/"}},
	{category: category.Waitlist, prefixes: []string{"/waitlist/"}},
	{category: category.Table, prefixes: []string{"/table/"}},
	{category: category.Menu, prefixes: []string{"/menu/"}},
	{category: category.Reservation, prefixes: []string{"/reservation/"}},
	{category: category.Feedback, prefixes: []string{"/feedback/"}},
	{category: category.Support, prefixes: []string{"/support/"}},
	{category: category.Analytics, prefixes: []string{"/analytics/"}},
	{category: category.Settings, prefixes: []string{"/settings/"}},
	{category: category.Dashboard, prefixes: []string{"/dashboard/"}},
}

func isUpload(method, path string) bool {
	return strings.Contains(path, "/upload") ||
		(method == http.MethodPost && strings.Contains(path, "multipart"))
}

// Classify maps a request to its endpoint category. Paths matching no
// route fall back to general.
func Classify(method, path string) string {
	method = strings.ToUpper(method)
	for _, rt := range routes {
		if rt.match != nil {
			if rt.match(method, path) {
				return rt.category
			}
			continue
		}
		for _, p := range rt.prefixes {
			if strings.HasPrefix(path, p) {
				return rt.category
			}
		}
	}
	return category.General
}

var (
	staticPrefixes = []string{
		"/static/", "/css/", "/js/", "/images/", "/img/", "/fonts/",
		"/favicon.ico", "/robots.txt", "/sitemap.xml",
	}
	staticSuffixes = []string{
		".css", ".js", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico",
		".woff", ".woff2", ".ttf", ".eot",
	}
)

// IsStatic reports whether path is a static asset that is never limited.
func IsStatic(path string) bool {
	for _, p := range staticPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	for _, s := range staticSuffixes {
		if strings.HasSuffix(path, s) {
			return true
		}
	}
	return false
}
