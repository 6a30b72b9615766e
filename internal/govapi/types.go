package govapi

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// LoginResponse is returned by POST /auth/login. An OTP is sent to the
// phone number on file.
type LoginResponse struct {
	Message string `json:"message"`
	UserID  string `json:"userId"`
}

// VerifyOTPResponse carries the bearer token used by every other call.
type VerifyOTPResponse struct {
	Message string `json:"message"`
	Token   string `json:"token"`
}

type Address struct {
	Street string `json:"street"`
	City   string `json:"city"`
}

type SignupRequest struct {
	FullName      string  `json:"fullName"`
	NIC           string  `json:"nic"`
	DOB           string  `json:"dob"`
	Address       Address `json:"address"`
	ContactNumber string  `json:"contactNumber"`
}

func (r SignupRequest) validate() error {
	var missing []string
	if strings.TrimSpace(r.FullName) == "" {
		missing = append(missing, "fullName")
	}
	if strings.TrimSpace(r.NIC) == "" {
		missing = append(missing, "nic")
	}
	if strings.TrimSpace(r.ContactNumber) == "" {
		missing = append(missing, "contactNumber")
	}
	if r.DOB != "" {
		if _, err := time.Parse(time.DateOnly, r.DOB); err != nil {
			return fmt.Errorf("dob %q must be YYYY-MM-DD", r.DOB)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}
	return nil
}

type SignupResponse struct {
	Message string `json:"message"`
	UserID  string `json:"userId"`
}

// ServiceSummary is a service as listed under its department.
type ServiceSummary struct {
	ServiceID   string `json:"serviceId"`
	ServiceName string `json:"serviceName"`
}

type Department struct {
	ID       string           `json:"id"`
	Name     string           `json:"departmentName"`
	City     string           `json:"city,omitempty"`
	Services []ServiceSummary `json:"services"`
}

// RequiredDocuments lists the paperwork to bring. Usual is keyed by
// snake_case document name.
type RequiredDocuments struct {
	Usual map[string]bool `json:"usual"`
	Other []string        `json:"other"`
}

// Service is the detail view returned by GET /services/{id}.
type Service struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	Description       string             `json:"description,omitempty"`
	OperationalHours  map[string][]any   `json:"operationalHours"`
	RequiredDocuments *RequiredDocuments `json:"requiredDocuments,omitempty"`
}

// RequiredDocumentList returns the non-blank free-text documents followed by
// the usual documents that are required, title-cased.
func (s Service) RequiredDocumentList() []string {
	if s.RequiredDocuments == nil {
		return nil
	}
	var docs []string
	for _, doc := range s.RequiredDocuments.Other {
		if strings.TrimSpace(doc) != "" {
			docs = append(docs, doc)
		}
	}
	keys := make([]string, 0, len(s.RequiredDocuments.Usual))
	for key, required := range s.RequiredDocuments.Usual {
		if required {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		docs = append(docs, titleCase(strings.ReplaceAll(key, "_", " ")))
	}
	return docs
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// AvailableDates returns the dates among the next days (starting at from)
// whose weekday has at least one operational-hours entry.
func (s Service) AvailableDates(from time.Time, days int) []time.Time {
	open := make(map[time.Weekday]bool)
	for day, hours := range s.OperationalHours {
		if wd, ok := weekdays[strings.ToLower(day)]; ok && len(hours) > 0 {
			open[wd] = true
		}
	}
	if len(open) == 0 {
		return nil
	}
	start := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, from.Location())
	var dates []time.Time
	for i := 0; i < days; i++ {
		d := start.AddDate(0, 0, i)
		if open[d.Weekday()] {
			dates = append(dates, d)
		}
	}
	return dates
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
