package model

// Config holds runtime parameters set via CLI flags.
type Config struct {
	Lang               string // UI language for localized messages
	SecondsPerQuestion int    // countdown budget per question
	SecureCookies      bool   // Set Secure flag on cookies (disable for local dev)
}
