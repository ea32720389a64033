package utils

import (
	"os"
	"strings"

	"github.com/ttacon/libphonenumber"
)

var DefaultPhoneRegion = "KZ"

func NewTrue() *bool {
	b := true
	return &b
}

func SplitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// NormalizePhoneNumber formats a customer phone in E.164 when it parses for
// the configured region (CUSTOMER_PHONE_REGION, default KZ). Feed payloads
// carry phones in assorted local formats; an unparseable value is kept as-is
// so nothing is lost on the sold-product row.
func NormalizePhoneNumber(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	region := strings.TrimSpace(os.Getenv("CUSTOMER_PHONE_REGION"))
	if region == "" {
		region = DefaultPhoneRegion
	}
	p, err := libphonenumber.Parse(raw, region)
	if err != nil || !libphonenumber.IsValidNumber(p) {
		return raw
	}
	return libphonenumber.Format(p, libphonenumber.E164)
}
