package services

import (
	"net/url"
	"strings"
)

// Link is one outbound reference to a media item on an external site.
type Link struct {
	Type string `json:"type"` // e.g. "Wikipedia", "RateYourMusic"
	Name string `json:"name"`
	URL  string `json:"url"`
}

// MediaLinks builds external links for an artist/album/track combination.
// These are search-style deep links; no network calls are made.
func MediaLinks(artist, album, title string) []Link {
	var links []Link

	if artist != "" {
		links = append(links, Link{
			Type: "Wikipedia",
			Name: artist,
			URL:  "https://en.wikipedia.org/wiki/Special:Search?search=" + url.QueryEscape(artist),
		})
		links = append(links, Link{
			Type: "RateYourMusic",
			Name: artist,
			URL:  "https://rateyourmusic.com/search?searchtype=a&searchterm=" + url.QueryEscape(artist),
		})
	}

	if album != "" {
		query := strings.TrimSpace(artist + " " + album)
		links = append(links, Link{
			Type: "Discogs",
			Name: album,
			URL:  "https://www.discogs.com/search/?type=release&q=" + url.QueryEscape(query),
		})
		links = append(links, Link{
			Type: "RateYourMusic",
			Name: album,
			URL:  "https://rateyourmusic.com/search?searchtype=l&searchterm=" + url.QueryEscape(query),
		})
	}

	if title != "" {
		query := strings.TrimSpace(artist + " " + title)
		links = append(links, Link{
			Type: "Genius",
			Name: title,
			URL:  "https://genius.com/search?q=" + url.QueryEscape(query),
		})
	}

	return links
}
