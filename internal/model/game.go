package model

import (
	"regexp"
	"strings"
)

// Game represents a Twitch game/category.
type Game struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Slug      string `json:"slug,omitempty"`
	BoxArtURL string `json:"box_art_url,omitempty"`
}

var (
	apostrophes = regexp.MustCompile(`'`)
	nonWord     = regexp.MustCompile(`\W+`)
	multiDash   = regexp.MustCompile(`-{2,}`)
)

// Slugify converts a game name into the slug form the directory API expects.
func Slugify(name string) string {
	s := strings.ToLower(name)
	s = apostrophes.ReplaceAllString(s, "")
	s = nonWord.ReplaceAllString(s, "-")
	s = multiDash.ReplaceAllString(strings.Trim(s, "-"), "-")
	return s
}

// EffectiveSlug returns the stored slug, or one derived from the name.
func (g *Game) EffectiveSlug() string {
	if g.Slug != "" {
		return g.Slug
	}
	return Slugify(g.Name)
}

// Equal compares games by identifier.
func (g *Game) Equal(other *Game) bool {
	if g == nil || other == nil {
		return g == other
	}
	return g.ID == other.ID
}
