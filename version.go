package qerrors

// Version is the library release, reported by the daemon banner and sent
// upstream in the User-Agent header.
const Version = "0.4.0"

func userAgent() string {
	return "qerrors/" + Version
}
