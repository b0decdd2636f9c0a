package notice

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mattermost/mattermost/server/public/model"
)

// Level colors
const (
	ColorError   = "#FF0000" // Red
	ColorWarning = "#FF9900" // Orange
	ColorInfo    = "#808080" // Gray
)

// maxFieldLength bounds field values.
const maxFieldLength = 500

// FormatNotice converts a Notice into a Mattermost SlackAttachment colored by level.
func FormatNotice(n Notice, at time.Time) *model.SlackAttachment {
	attachment := &model.SlackAttachment{}

	// Markdown H4 header for emphasis
	attachment.Text = fmt.Sprintf("#### %s", n.Title)
	if n.Message != "" {
		attachment.Text += "\n" + n.Message
	}

	attachment.Color = levelColor(n.Level)

	var fields []*model.SlackAttachmentField
	for _, f := range n.Fields {
		fields = append(fields, &model.SlackAttachmentField{
			Title: f.Title,
			Value: truncateText(f.Value, maxFieldLength),
			Short: model.SlackCompatibleBool(f.Short),
		})
	}
	attachment.Fields = fields

	attachment.Footer = fmt.Sprintf("Weather Alerts | %s", formatTime(at))

	return attachment
}

// levelColor returns the color code for a level
func levelColor(level Level) string {
	switch strings.ToLower(string(level)) {
	case string(LevelError):
		return ColorError
	case string(LevelWarning):
		return ColorWarning
	default:
		return ColorInfo
	}
}

// formatTime formats a time.Time to a readable string
func formatTime(t time.Time) string {
	return t.Format("2006-01-02 15:04:05 MST")
}

// truncateText truncates text to maxLen runes, adding "..." if truncated
func truncateText(text string, maxLen int) string {
	if utf8.RuneCountInString(text) <= maxLen {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxLen]) + "..."
}
