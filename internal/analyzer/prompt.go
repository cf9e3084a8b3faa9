package analyzer

import (
	"fmt"
	"strings"

	"github.com/leadsieve/leadsieve/internal/crawler"
)

// Default prompt templates. The placeholders {title}, {description},
// {content}, {footerContent} and {pages} are substituted from the crawl
// output; custom templates supplied via config use the same placeholders.

const DefaultClassifyPrompt = `Analyze the following website content and decide whether this is a target customer website.

Website information:
Title: {title}
Description: {description}
Main content: {content}
Footer content: {footerContent}
Crawled pages: {pages}

Judge by these criteria:
1. Is it a company website?
2. Does it clearly describe its business?
3. Does it list contact details?
4. Is the content professional and complete?
5. Is there clear company information?

Reply in JSON:
{
  "result": "Y" or "N",
  "reason": "detailed reasoning covering site type, business scope and professionalism"
}`

const DefaultEmailPrompt = `Extract all valid email addresses from the following website content and identify their owners:

Website content:
{content}

Requirements:
1. Extract every valid email address.
2. Filter out invalid addresses:
   - image filenames mistaken for emails (.png, .jpg, .jpeg, .gif, .webp, .svg)
   - CDN-related addresses (containing "cdn")
   - test addresses (test@, demo@, example@)
3. Classify each address (contact, support, sales, info, personal, other).
4. Identify the owner's name where possible.
5. Note where the address was found (footer, contact page, about page).

Pay special attention to footers, contact pages and legal pages. Flag
personal addresses of founders or executives.

Reply in JSON:
{
  "emails": [
    {
      "email": "address",
      "ownerName": "owner if identifiable",
      "type": "contact/support/sales/info/personal/other",
      "source": "where it was found"
    }
  ]
}`

const DefaultCompanyPrompt = `Extract company information from the following website content, ordered by priority:

Website content:
{content}

Priority, highest first:
1. Name of the owner of any published contact email.
2. Founder or owner names.
3. The company's full legal name.
4. Brand names.

Look at "about us", imprint and contact sections, and at copyright lines.
List every plausible name.

Reply in JSON:
{
  "primaryName": "the main company name",
  "names": ["all names, ordered by priority"],
  "founderNames": ["founder/owner names"],
  "brandNames": ["brand names"],
  "fullName": "full legal name"
}`

const classifySystemPrompt = "You are a website analysis assistant specialized in judging whether a website belongs to a target customer."

// BuildPrompt substitutes the crawl output into a template. Missing parts
// get explicit placeholders so the model knows they were absent rather than
// elided.
func BuildPrompt(template string, content *crawler.Content) string {
	var pagesInfo strings.Builder
	for _, p := range content.Pages {
		fmt.Fprintf(&pagesInfo, "%s: %s\n", p.Kind, p.URL)
	}

	r := strings.NewReplacer(
		"{title}", orElse(content.Title, "no title"),
		"{description}", orElse(content.Description, "no description"),
		"{content}", orElse(content.Content, "no content"),
		"{footerContent}", orElse(content.FooterContent, "no footer"),
		"{pages}", orElse(strings.TrimSpace(pagesInfo.String()), "only the home page was crawled"),
	)
	return r.Replace(template)
}

// fullText joins everything crawled into one block for extraction prompts,
// which work over the whole site rather than structured fields.
func fullText(content *crawler.Content) string {
	var b strings.Builder
	b.WriteString(content.Content)
	if content.FooterContent != "" {
		b.WriteString("\n\nFooter:\n")
		b.WriteString(content.FooterContent)
	}
	for _, p := range content.Pages {
		fmt.Fprintf(&b, "\n\nPage (%s, %s):\n%s", p.Kind, p.URL, p.Content)
	}
	return b.String()
}

func orElse(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
