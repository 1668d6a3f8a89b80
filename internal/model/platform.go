package model

import (
	"fmt"
	"strings"
)

// Platform is the closed set of publishing targets.
type Platform string

const (
	PlatformTwitter   Platform = "twitter"
	PlatformLinkedIn  Platform = "linkedin"
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"
	PlatformYouTube   Platform = "youtube"
	PlatformTikTok    Platform = "tiktok"
)

// Platforms lists every supported platform in a stable order.
func Platforms() []Platform {
	return []Platform{
		PlatformTwitter,
		PlatformLinkedIn,
		PlatformFacebook,
		PlatformInstagram,
		PlatformYouTube,
		PlatformTikTok,
	}
}

func (p Platform) Valid() bool {
	for _, q := range Platforms() {
		if p == q {
			return true
		}
	}
	return false
}

func (p Platform) String() string { return string(p) }

// ParsePlatform normalizes s and rejects names outside the closed set.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown platform %q", s)
	}
	return p, nil
}
