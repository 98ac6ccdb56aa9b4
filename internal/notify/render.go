package notify

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"strconv"
	"strings"
	texttemplate "text/template"
	"unicode/utf8"

	"github.com/lalithlochan/alerter/internal/db"
)

//go:embed templates/*.html templates/*.txt
var templateFS embed.FS

var (
	htmlTemplates = htmltemplate.Must(htmltemplate.New("emails").ParseFS(templateFS, "templates/*.html"))
	textTemplates = texttemplate.Must(texttemplate.New("emails").ParseFS(templateFS, "templates/*.txt"))
)

const (
	// MaxDigestItems bounds how many listings an email spells out.
	MaxDigestItems = 10
	excerptRunes   = 300
)

type item struct {
	Title    string
	Excerpt  string
	Price    string
	ItemType string
	Dealer   string
	URL      string
}

type view struct {
	Items     []item
	Total     int
	Remaining int
	ManageURL string
	Daily     bool
}

// Renderer turns a match set into an Email.
type Renderer struct {
	appBase string
}

// NewRenderer creates a renderer that links into the web app at appBase.
func NewRenderer(appBase string) *Renderer {
	return &Renderer{appBase: strings.TrimRight(appBase, "/")}
}

// Render builds the instant alert or daily digest for sub.
func (r *Renderer) Render(to string, sub db.Subscription, matches []db.Listing) (Email, error) {
	if len(matches) == 0 {
		return Email{}, ErrNoMatches
	}

	v := view{
		Total:     len(matches),
		ManageURL: fmt.Sprintf("%s/saved-searches/%s", r.appBase, sub.ID),
		Daily:     sub.Frequency == db.FrequencyDaily,
	}
	for _, l := range matches {
		if len(v.Items) == MaxDigestItems {
			break
		}
		v.Items = append(v.Items, r.item(l))
	}
	v.Remaining = v.Total - len(v.Items)

	name := "instant"
	if v.Daily {
		name = "digest"
	}

	var html, text bytes.Buffer
	if err := htmlTemplates.ExecuteTemplate(&html, name+".html", v); err != nil {
		return Email{}, fmt.Errorf("render %s html template: %w", name, err)
	}
	if err := textTemplates.ExecuteTemplate(&text, name+".txt", v); err != nil {
		return Email{}, fmt.Errorf("render %s text template: %w", name, err)
	}

	return Email{
		To:      to,
		Subject: subject(sub.Frequency, matches),
		HTML:    html.String(),
		Text:    text.String(),
		Tags: map[string]string{
			"subscription_id": sub.ID.String(),
			"frequency":       string(sub.Frequency),
		},
	}, nil
}

func subject(freq db.Frequency, matches []db.Listing) string {
	if freq == db.FrequencyDaily {
		if len(matches) == 1 {
			return "Your daily digest: 1 new listing"
		}
		return fmt.Sprintf("Your daily digest: %d new listings", len(matches))
	}
	if len(matches) == 1 {
		return "New match for your saved search: " + truncate(matches[0].Title, 80)
	}
	return fmt.Sprintf("%d new matches for your saved search", len(matches))
}

func (r *Renderer) item(l db.Listing) item {
	url := l.URL
	if url == "" {
		url = fmt.Sprintf("%s/listings/%s", r.appBase, l.ID)
	}
	return item{
		Title:    strings.TrimSpace(l.Title),
		Excerpt:  truncate(strings.TrimSpace(l.Description), excerptRunes),
		Price:    formatPrice(l.PriceValue, l.Currency),
		ItemType: l.ItemType,
		Dealer:   l.DealerID,
		URL:      url,
	}
}

func formatPrice(value *float64, currency string) string {
	if value == nil {
		return "Price on request"
	}
	amount := strconv.FormatFloat(*value, 'f', -1, 64)
	if currency == "" {
		return amount
	}
	return amount + " " + currency
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n])) + "..."
}
