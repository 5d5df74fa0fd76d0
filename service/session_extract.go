package service

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"

	"github.com/tidwall/gjson"
)

var sessionIdRegex = regexp.MustCompile(`session_([a-zA-Z0-9_-]+)`)

// SessionCandidates is what can be learned about session identity from a raw
// request body before any store lookup.
type SessionCandidates struct {
	// ClientId is the id the caller supplied via metadata.user_id, if any.
	ClientId string
	// Fingerprint is a content-derived hash of the first user messages.
	// Best effort only: compressed or summarized dialogue history rewrites
	// the early messages and breaks the fingerprint.
	Fingerprint string
	// MessageCount is the number of messages in the request.
	MessageCount int
}

// ExtractSessionCandidates pulls session identity hints out of a raw
// OpenAI/Claude-shaped request body.
// Priority: 1. metadata.user_id carrying a session_xxx pattern
//
//	2. hash of the first user message content (fingerprint)
func ExtractSessionCandidates(body []byte) SessionCandidates {
	var out SessionCandidates
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return out
	}

	if userId := gjson.GetBytes(body, "metadata.user_id"); userId.Exists() {
		if match := sessionIdRegex.FindStringSubmatch(userId.String()); len(match) > 1 {
			out.ClientId = match[1]
		}
	}

	messages := gjson.GetBytes(body, "messages")
	if messages.IsArray() {
		arr := messages.Array()
		out.MessageCount = len(arr)
		for _, msg := range arr {
			if msg.Get("role").String() != "user" {
				continue
			}
			if content := extractContentString(msg.Get("content")); content != "" {
				out.Fingerprint = hashContent(content)
				break
			}
		}
	}

	return out
}

// extractContentString handles both plain-string and multimodal array
// content, taking the first text part.
func extractContentString(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		for _, item := range content.Array() {
			if item.Get("type").String() == "text" {
				if text := item.Get("text").String(); text != "" {
					return text
				}
			}
		}
	}
	return ""
}

func hashContent(content string) string {
	// Cap at 500 characters so huge first messages hash cheaply.
	if len(content) > 500 {
		content = content[:500]
	}
	hash := sha256.Sum256([]byte(content))
	return hex.EncodeToString(hash[:])[:16]
}
