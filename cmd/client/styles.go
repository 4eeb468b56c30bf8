package main

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/charmbracelet/lipgloss"
)

var (
	accent = lipgloss.Color("#22d3ee")
	green  = lipgloss.Color("#10B981")
	amber  = lipgloss.Color("#F59E0B")
	red    = lipgloss.Color("#EF4444")
	gray   = lipgloss.Color("#6B7280")

	infoStyle    = lipgloss.NewStyle().Foreground(accent).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(green).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(amber)
	errorStyle   = lipgloss.NewStyle().Foreground(red).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(gray)
)

// fingerprint shortens a public key to something a person can compare.
func fingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:8])
}
