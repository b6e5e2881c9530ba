package logger

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

func useColor() bool {
	return isatty.IsTerminal(os.Stdout.Fd())
}

func line(color, level, tag, msg string) {
	if useColor() {
		fmt.Printf("%s%-7s%s %s[%s]%s %s\n", color, level, colorReset, colorGray, tag, colorReset, msg)
		return
	}
	fmt.Printf("%-7s [%s] %s\n", level, tag, msg)
}

// Info logs an informational message under a component tag.
func Info(tag, msg string) {
	line(colorCyan, "INFO", tag, msg)
}

// Success logs a completed-step message.
func Success(tag, msg string) {
	line(colorGreen, "OK", tag, msg)
}

// Warn logs a recoverable problem.
func Warn(tag, msg string) {
	line(colorYellow, "WARN", tag, msg)
}

// Error logs a failure.
func Error(tag, msg string) {
	line(colorRed, "ERROR", tag, msg)
}

// Banner prints the startup banner with the build version.
func Banner(version string) {
	if version == "" {
		version = "dev"
	}
	fmt.Println()
	fmt.Println("  medpricer - Medicare plan pricing service")
	fmt.Printf("  version %s\n", version)
	fmt.Println()
}

// Section prints a visual separator for a named startup phase.
func Section(name string) {
	fmt.Printf("--- %s ---\n", name)
}

// Stats prints a key/value statistic.
func Stats(key string, value interface{}) {
	fmt.Printf("  %-24s %v\n", key, value)
}

// Server logs the listen address once the HTTP server is up.
func Server(addr string) {
	Success("Server", fmt.Sprintf("Listening on http://%s", addr))
}
