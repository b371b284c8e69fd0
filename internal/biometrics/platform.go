package biometrics

import (
	"fmt"
	"strings"
)

// Platform identifies the sensor platform of a capture.
type Platform string

const (
	ALS     Platform = "ALS" // airborne
	ULS     Platform = "ULS" // UAV-borne
	TLS     Platform = "TLS" // terrestrial
	Unknown Platform = ""
)

// AllPlatforms is the detection order used when a filename carries more than one tag.
var AllPlatforms = []Platform{ALS, ULS, TLS}

// DetectPlatform returns the first platform of AllPlatforms that is in
// requested and appears in name.
func DetectPlatform(name string, requested []Platform) (Platform, bool) {
	for _, p := range AllPlatforms {
		if !containsPlatform(requested, p) {
			continue
		}
		if strings.Contains(name, string(p)) {
			return p, true
		}
	}
	return Unknown, false
}

// ParsePlatforms validates platform tags. An empty list means all platforms.
func ParsePlatforms(tags []string) ([]Platform, error) {
	if len(tags) == 0 {
		return append([]Platform(nil), AllPlatforms...), nil
	}
	var out []Platform
	for _, raw := range tags {
		for _, tag := range strings.Split(raw, ",") {
			tag = strings.ToUpper(strings.TrimSpace(tag))
			if tag == "" {
				continue
			}
			p := Platform(tag)
			if !containsPlatform(AllPlatforms, p) {
				return nil, fmt.Errorf("unknown platform %q (want ALS, ULS or TLS)", tag)
			}
			if !containsPlatform(out, p) {
				out = append(out, p)
			}
		}
	}
	if len(out) == 0 {
		return append([]Platform(nil), AllPlatforms...), nil
	}
	return out, nil
}

// JoinPlatforms renders platforms as a comma separated list.
func JoinPlatforms(ps []Platform) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = string(p)
	}
	return strings.Join(parts, ",")
}

func containsPlatform(ps []Platform, p Platform) bool {
	for _, q := range ps {
		if q == p {
			return true
		}
	}
	return false
}
