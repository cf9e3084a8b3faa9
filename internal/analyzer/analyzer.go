// Package analyzer runs AI classification and extraction over crawled site
// content through an OpenAI-compatible endpoint.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/leadsieve/leadsieve/internal/crawler"
	"github.com/leadsieve/leadsieve/internal/storage"
)

// Verdict is the classification outcome for one site.
type Verdict struct {
	Result string // "Y" or "N"
	Reason string
}

// ConfigError reports missing or unusable AI configuration. The pipeline
// refuses to dispatch any work while one of these would be raised.
type ConfigError struct {
	Field string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("ai config: %s is not set", e.Field)
}

// Templates holds the prompt templates, falling back to the defaults for
// any left empty.
type Templates struct {
	Classify string
	Email    string
	Company  string
}

// Analyzer drives the classification and extraction prompts.
type Analyzer struct {
	client    ChatClient
	templates Templates
}

func New(client ChatClient, templates Templates) *Analyzer {
	if templates.Classify == "" {
		templates.Classify = DefaultClassifyPrompt
	}
	if templates.Email == "" {
		templates.Email = DefaultEmailPrompt
	}
	if templates.Company == "" {
		templates.Company = DefaultCompanyPrompt
	}
	return &Analyzer{client: client, templates: templates}
}

// ValidateConfig checks that the AI endpoint is usable. Returns a
// ConfigError naming the first missing field.
func ValidateConfig(apiURL, apiKey, model string) error {
	switch {
	case strings.TrimSpace(apiURL) == "":
		return &ConfigError{Field: "api url"}
	case strings.TrimSpace(apiKey) == "":
		return &ConfigError{Field: "api key"}
	case strings.TrimSpace(model) == "":
		return &ConfigError{Field: "model"}
	}
	return nil
}

var (
	resultPattern = regexp.MustCompile(`(?i)result["\s]*:["\s]*(Y|N)`)
	reasonPattern = regexp.MustCompile(`(?i)reason["\s]*:["\s]*"([^"]+)"`)
)

// Classify judges whether the crawled site is a target customer. Transport
// and API failures return an error; a malformed AI reply never does, the
// verdict degrades to a best-effort parse of the raw text instead.
func (a *Analyzer) Classify(ctx context.Context, content *crawler.Content) (Verdict, error) {
	prompt := BuildPrompt(a.templates.Classify, content)
	reply, err := a.client.Chat(ctx, classifySystemPrompt, prompt)
	if err != nil {
		return Verdict{}, err
	}
	return parseVerdict(reply), nil
}

func parseVerdict(reply string) Verdict {
	var parsed struct {
		Result string `json:"result"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(stripFences(reply)), &parsed); err == nil && parsed.Result != "" {
		v := Verdict{Result: storage.ResultNo, Reason: parsed.Reason}
		if strings.EqualFold(parsed.Result, storage.ResultYes) {
			v.Result = storage.ResultYes
		}
		if v.Reason == "" {
			v.Reason = "no reason given"
		}
		return v
	}

	// Not JSON; pull the fields out of the raw text.
	v := Verdict{Result: storage.ResultNo}
	if m := resultPattern.FindStringSubmatch(reply); m != nil {
		v.Result = strings.ToUpper(m[1])
	}
	if m := reasonPattern.FindStringSubmatch(reply); m != nil {
		v.Reason = m[1]
	} else {
		v.Reason = truncateReply(reply, 200)
	}
	return v
}

// ExtractEmails pulls contact addresses out of the crawled content and
// filters out addresses that are never real contacts.
func (a *Analyzer) ExtractEmails(ctx context.Context, content *crawler.Content) ([]storage.EmailInfo, error) {
	prompt := strings.Replace(a.templates.Email, "{content}", fullText(content), 1)
	reply, err := a.client.Chat(ctx, classifySystemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Emails []storage.EmailInfo `json:"emails"`
	}
	if err := json.Unmarshal([]byte(stripFences(reply)), &parsed); err != nil {
		// Malformed reply yields no emails rather than a failed record.
		return nil, nil
	}
	return FilterEmails(parsed.Emails), nil
}

// ExtractCompany pulls company names out of the crawled content.
func (a *Analyzer) ExtractCompany(ctx context.Context, content *crawler.Content) (*storage.CompanyInfo, error) {
	prompt := strings.Replace(a.templates.Company, "{content}", fullText(content), 1)
	reply, err := a.client.Chat(ctx, classifySystemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	var parsed storage.CompanyInfo
	if err := json.Unmarshal([]byte(stripFences(reply)), &parsed); err != nil {
		return nil, nil
	}
	if parsed.PrimaryName == "" && len(parsed.Names) == 0 {
		return nil, nil
	}
	return &parsed, nil
}

var (
	emailPattern    = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg"}
	junkPrefixes    = []string{"test@", "demo@", "example@"}
)

// FilterEmails drops addresses that are artifacts rather than contacts:
// image filenames, CDN hosts, and test/demo/example placeholders.
func FilterEmails(emails []storage.EmailInfo) []storage.EmailInfo {
	var kept []storage.EmailInfo
	seen := make(map[string]bool)
	for _, e := range emails {
		addr := strings.ToLower(strings.TrimSpace(e.Email))
		if addr == "" || seen[addr] || !validEmail(addr) {
			continue
		}
		seen[addr] = true
		e.Email = addr
		kept = append(kept, e)
	}
	return kept
}

func validEmail(addr string) bool {
	if !emailPattern.MatchString(addr) {
		return false
	}
	for _, ext := range imageExtensions {
		if strings.HasSuffix(addr, ext) {
			return false
		}
	}
	if strings.Contains(addr, "cdn") {
		return false
	}
	for _, p := range junkPrefixes {
		if strings.HasPrefix(addr, p) {
			return false
		}
	}
	return true
}

// stripFences removes a markdown code fence wrapper, which chat models
// commonly add around JSON replies.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncateReply(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Never cut a multibyte rune in half.
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
