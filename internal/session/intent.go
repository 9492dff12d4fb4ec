package session

import "strings"

type Intent string

const (
	IntentDescribe     Intent = "describe_scene"
	IntentTrafficLight Intent = "traffic_light"
	IntentReadText     Intent = "read_text"
	IntentWhoIsHere    Intent = "who_is_here"
	IntentPause        Intent = "pause"
	IntentResume       Intent = "resume"
	IntentUnknown      Intent = "unrecognized"
)

// intentKeywords is checked in order; the first matching phrase wins.
var intentKeywords = []struct {
	intent  Intent
	phrases []string
}{
	{IntentDescribe, []string{"what's in front", "describe", "what do you see"}},
	{IntentTrafficLight, []string{"traffic light", "red light"}},
	{IntentReadText, []string{"read this", "read"}},
	{IntentWhoIsHere, []string{"who is here", "who's here"}},
	{IntentPause, []string{"pause"}},
	{IntentResume, []string{"resume"}},
}

// NormalizeCommand lowercases, trims and folds typographic apostrophes.
func NormalizeCommand(text string) string {
	n := strings.ToLower(strings.TrimSpace(text))
	n = strings.ReplaceAll(n, "’", "'")
	return strings.Join(strings.Fields(n), " ")
}

func ParseIntent(text string) Intent {
	n := NormalizeCommand(text)
	if n == "" {
		return IntentUnknown
	}
	for _, k := range intentKeywords {
		for _, p := range k.phrases {
			if strings.Contains(n, p) {
				return k.intent
			}
		}
	}
	return IntentUnknown
}
