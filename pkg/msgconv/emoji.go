// Copyright 2024-2026 Aiku AI

package msgconv

import (
	"strings"
)

var shortcodeToEmoji = map[string]string{
	"+1":                    "\U0001f44d",
	"-1":                    "\U0001f44e",
	"thumbsup":              "\U0001f44d",
	"thumbsdown":            "\U0001f44e",
	"heart":                 "\u2764\ufe0f",
	"smile":                 "\U0001f604",
	"laughing":              "\U0001f606",
	"joy":                   "\U0001f602",
	"wave":                  "\U0001f44b",
	"clap":                  "\U0001f44f",
	"fire":                  "\U0001f525",
	"100":                   "\U0001f4af",
	"tada":                  "\U0001f389",
	"eyes":                  "\U0001f440",
	"thinking":              "\U0001f914",
	"white_check_mark":      "\u2705",
	"x":                     "\u274c",
	"warning":               "\u26a0\ufe0f",
	"rocket":                "\U0001f680",
	"star":                  "\u2b50",
	"pray":                  "\U0001f64f",
	"ok_hand":               "\U0001f44c",
	"slightly_smiling_face": "\U0001f642",
}

// Aliases such as thumbsup are left out so that the canonical short name
// wins in the reverse direction.
var emojiToShortcode = map[string]string{
	"\U0001f44d":   "+1",
	"\U0001f44e":   "-1",
	"\u2764\ufe0f": "heart",
	"\U0001f604":   "smile",
	"\U0001f606":   "laughing",
	"\U0001f602":   "joy",
	"\U0001f44b":   "wave",
	"\U0001f44f":   "clap",
	"\U0001f525":   "fire",
	"\U0001f4af":   "100",
	"\U0001f389":   "tada",
	"\U0001f440":   "eyes",
	"\U0001f914":   "thinking",
	"\u2705":       "white_check_mark",
	"\u274c":       "x",
	"\u26a0\ufe0f": "warning",
	"\U0001f680":   "rocket",
	"\u2b50":       "star",
	"\U0001f64f":   "pray",
	"\U0001f44c":   "ok_hand",
	"\U0001f642":   "slightly_smiling_face",
}

// ShortcodeToEmoji converts a Mattermost emoji name to a unicode emoji.
// Custom emoji are returned as :name:.
func ShortcodeToEmoji(name string) string {
	if emoji, ok := shortcodeToEmoji[name]; ok {
		return emoji
	}
	return ":" + name + ":"
}

// EmojiToShortcode converts a unicode emoji to a Mattermost emoji name.
func EmojiToShortcode(emoji string) string {
	if name, ok := emojiToShortcode[emoji]; ok {
		return name
	} else if name, ok = emojiToShortcode[strings.TrimSuffix(emoji, "\ufe0f")]; ok {
		return name
	} else if name, ok = emojiToShortcode[emoji+"\ufe0f"]; ok {
		return name
	}
	if len(emoji) > 2 && strings.HasPrefix(emoji, ":") && strings.HasSuffix(emoji, ":") {
		return emoji[1 : len(emoji)-1]
	}
	return emoji
}
