//go:build !mobile

package backend

// DefaultPlatform выбирается при сборке: без тега mobile это desktop.
const DefaultPlatform = PlatformDesktop
