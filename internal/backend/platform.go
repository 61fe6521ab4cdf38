package backend

const (
	PlatformDesktop = "desktop"
	PlatformMobile  = "mobile"
)
