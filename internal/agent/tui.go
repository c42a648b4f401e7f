package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"

	"pairdesk/internal/constants"
	"pairdesk/internal/utils"
)

const (
	ColorReset  = constants.ColorReset
	ColorBold   = constants.ColorBold
	ColorDim    = constants.ColorDim
	ColorCyan   = constants.ColorCyan
	ColorGreen  = constants.ColorGreen
	ColorYellow = constants.ColorYellow
	ColorRed    = constants.ColorRed
	ColorPurple = constants.ColorPurple
)

// Field is one labelled line of the TUI header.
type Field struct {
	Label string
	Value string
	Color string
}

func PrintBanner() {
	fmt.Println()
	fmt.Printf("  %s%s%s%s %sv%s%s\n", ColorBold, ColorCyan, constants.AppName, ColorReset, ColorBold, constants.Version, ColorReset)
	fmt.Printf("  %sRemote desktop pairing%s\n", ColorDim, ColorReset)
	fmt.Println()
}

func PrintHint(text string) {
	fmt.Printf("  %s%s%s\n", ColorDim, text, ColorReset)
}

func PrintField(label, value, valueColor string) {
	fmt.Printf("  %s%-12s%s %s%s%s\n", ColorDim, label, ColorReset, valueColor, value, ColorReset)
}

func PrintSep() {
	fmt.Printf("  %s%s%s\n", ColorDim, strings.Repeat("─", 50), ColorReset)
}

// QRLines renders content as a QR code made of half-block characters.
func QRLines(content string) ([]string, error) {
	qr, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return nil, err
	}
	return strings.Split(strings.TrimRight(qr.ToSmallString(false), "\n"), "\n"), nil
}

// StartTUI redraws the dashboard until ctx is done. extra lines (a QR code)
// are drawn below the fields.
func StartTUI(ctx context.Context, stats *Stats, fields []Field, extra []string) {
	fmt.Print("\033[?25l")
	fmt.Print("\033[2J")

	ticker := time.NewTicker(200 * time.Millisecond)
	winch, stopWinch := watchResize()

	defer func() {
		ticker.Stop()
		stopWinch()
		fmt.Print("\033[?25h")
		fmt.Println()
		fmt.Printf("  %s● disconnected%s\n", ColorRed, ColorReset)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-winch:
			fmt.Print("\033[2J")
			RenderTUI(stats.Snapshot(), fields, extra)
		case <-ticker.C:
			RenderTUI(stats.Snapshot(), fields, extra)
		}
	}
}

func RenderTUI(snap Snapshot, fields []Field, extra []string) {
	fmt.Print("\033[H")

	fmt.Printf("  %s%s%s%s %sv%s%s\n", ColorBold, ColorCyan, constants.AppName, ColorReset, ColorBold, constants.Version, ColorReset)
	fmt.Printf("  %s%s%s\033[K\n", statusColor(snap.Status), "● "+snap.Status, ColorReset)
	fmt.Println()

	fmt.Printf("  %sRecved: %s%10s   %sSent: %s%10s\033[K\n",
		ColorDim, ColorReset, utils.FormatBytes(snap.BytesIn),
		ColorDim, ColorReset, utils.FormatBytes(snap.BytesOut))
	fmt.Printf("  %sFrames: %s%10d   %sRetry:%s%10d\033[K\n",
		ColorDim, ColorReset, snap.Frames,
		ColorDim, ColorReset, snap.Reconnects)
	if !snap.Since.IsZero() {
		fmt.Printf("  %sUp:     %s%s\033[K\n", ColorDim, ColorReset, utils.FormatDuration(time.Since(snap.Since)))
	}
	if snap.Quality != "" {
		fmt.Printf("  %sQuality:%s %s  %s(rtt %s)%s\033[K\n",
			ColorDim, ColorReset, snap.Quality, ColorDim, snap.Latency.Round(time.Millisecond), ColorReset)
	}
	fmt.Println()

	for _, f := range fields {
		PrintField(f.Label, f.Value, f.Color)
	}
	if len(extra) > 0 {
		fmt.Println()
		for _, line := range extra {
			fmt.Printf("  %s\n", line)
		}
	}

	fmt.Println()
	PrintSep()
	for _, line := range snap.Events {
		fmt.Printf("\033[K%s\n", line)
	}
	fmt.Print("\033[J")
}

func statusColor(status string) string {
	switch status {
	case "streaming", "viewing":
		return ColorGreen
	case "session ended", "relay unreachable":
		return ColorRed
	}
	return ColorYellow
}
