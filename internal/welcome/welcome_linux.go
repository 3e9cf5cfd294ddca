//go:build linux

package welcome

// ShowAbout is a no-op on Linux; the gateway runs as a headless service.
func ShowAbout(version, addr string) {}
