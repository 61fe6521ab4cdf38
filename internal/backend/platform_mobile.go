//go:build mobile

package backend

// DefaultPlatform для сборок с тегом mobile.
const DefaultPlatform = PlatformMobile
