package classifier

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/wilhg/clinic-assist/pkg/conversation"
)

var (
	rePhone    = regexp.MustCompile(`\+?\d[\d\s().-]{6,}\d`)
	reEmail    = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	reISODate  = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	reClock    = regexp.MustCompile(`\b([01]?\d|2[0-3]):([0-5]\d)\s*(?i:(am|pm))?\b`)
	reHourAmPm = regexp.MustCompile(`(?i)\b(1[0-2]|0?[1-9])\s*(am|pm)\b`)
	reName     = regexp.MustCompile(`(?i:my name is|this is)\s+(\p{Lu}[\p{L}'-]+(?:\s+\p{Lu}[\p{L}'-]+)?)`)
	reDoctor   = regexp.MustCompile(`(?i)\b(?:dr\.?|doctor)\s+(\p{L}[\p{L}'-]+)`)
	reRelDay   = regexp.MustCompile(`(?i)\b(today|tomorrow)\b`)
	reInvoice  = regexp.MustCompile(`(?i)\bINV-[A-Z0-9-]*\d\b`)
	reHHMM     = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)
)

var services = []string{
	"cleaning", "consultation", "check-up", "checkup", "whitening", "filling",
	"vaccination", "physiotherapy", "x-ray", "blood test", "follow-up visit",
}

// Extract pulls the fixed semantic fields out of free text. Relative days
// resolve against now. Fields that are not present are omitted.
func Extract(text string, now time.Time) map[conversation.Field]string {
	out := map[conversation.Field]string{}
	if m := reEmail.FindString(text); m != "" {
		out[conversation.FieldEmail] = strings.ToLower(m)
		// Keep digits in the address from being read as a phone number.
		text = strings.Replace(text, m, " ", 1)
	}
	// ISO dates are removed before the phone scan for the same reason.
	if m := reISODate.FindString(text); m != "" {
		if _, err := time.Parse(time.DateOnly, m); err == nil {
			out[conversation.FieldPreferredDate] = m
		}
		text = reISODate.ReplaceAllString(text, " ")
	} else if m := reRelDay.FindString(text); m != "" && !now.IsZero() {
		d := now
		if strings.EqualFold(m, "tomorrow") {
			d = now.AddDate(0, 0, 1)
		}
		out[conversation.FieldPreferredDate] = d.Format(time.DateOnly)
	}
	if hhmm, ok := clockTime(text); ok {
		out[conversation.FieldPreferredTime] = hhmm
		text = reClock.ReplaceAllString(text, " ")
	}
	text = reInvoice.ReplaceAllString(text, " ")
	if m := rePhone.FindString(text); m != "" {
		if p := normalizePhone(m); len(strings.TrimPrefix(p, "+")) >= 7 {
			out[conversation.FieldPhone] = p
		}
	}
	if m := reName.FindStringSubmatch(text); m != nil {
		out[conversation.FieldName] = m[1]
	}
	if m := reDoctor.FindStringSubmatch(text); m != nil {
		out[conversation.FieldPreferredDoctor] = "dr-" + strings.ToLower(m[1])
	}
	lower := strings.ToLower(text)
	for _, s := range services {
		if strings.Contains(lower, s) {
			out[conversation.FieldPreferredService] = s
			break
		}
	}
	return out
}

// InvoiceNumber returns the first invoice number in text, upper-cased, or "".
func InvoiceNumber(text string) string {
	return strings.ToUpper(reInvoice.FindString(text))
}

// cleanEntities drops values that do not have their field's shape and
// rewrites the rest into canonical form: dates as YYYY-MM-DD, times as 24h
// HH:MM, phones as digits with an optional leading plus, emails lower-cased.
func cleanEntities(m map[conversation.Field]string) {
	for f, v := range m {
		v = strings.TrimSpace(v)
		ok := v != "" && f.Known()
		switch f {
		case conversation.FieldPreferredDate:
			v, ok = canonicalDate(v)
		case conversation.FieldPreferredTime:
			if !reHHMM.MatchString(v) {
				v, ok = clockTime(v)
			}
		case conversation.FieldPhone:
			v = normalizePhone(v)
			ok = len(strings.TrimPrefix(v, "+")) >= 7
		case conversation.FieldEmail:
			v = strings.ToLower(v)
			ok = reEmail.FindString(v) == v
		}
		if !ok {
			delete(m, f)
			continue
		}
		m[f] = v
	}
}

func canonicalDate(s string) (string, bool) {
	if d, err := time.Parse(time.DateOnly, s); err == nil {
		return d.Format(time.DateOnly), true
	}
	if d, err := time.Parse(time.RFC3339, s); err == nil {
		return d.Format(time.DateOnly), true
	}
	return "", false
}

func clockTime(text string) (string, bool) {
	if m := reClock.FindStringSubmatch(text); m != nil {
		h, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		return fmt.Sprintf("%02d:%02d", to24(h, m[3]), mm), true
	}
	if m := reHourAmPm.FindStringSubmatch(text); m != nil {
		h, _ := strconv.Atoi(m[1])
		return fmt.Sprintf("%02d:00", to24(h, m[2])), true
	}
	return "", false
}

func to24(h int, ampm string) int {
	switch strings.ToLower(ampm) {
	case "pm":
		if h < 12 {
			return h + 12
		}
	case "am":
		if h == 12 {
			return 0
		}
	}
	return h
}

func normalizePhone(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r == '+' && i == 0 {
			b.WriteRune(r)
		}
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
