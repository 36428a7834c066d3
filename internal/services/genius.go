// Package services wraps the optional external lookups: lyrics via Genius
// and cross-site media links. Each service is enabled only when its
// credential is present in the environment; a missing credential disables the
// lookup without affecting anything else.
package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/net/html"
	"resty.dev/v3"
)

// GeniusTokenEnv is the environment variable holding the Genius API token.
const GeniusTokenEnv = "GENIUS_ACCESS_TOKEN"

// ErrServiceDisabled is returned by a service whose credential is absent.
var ErrServiceDisabled = fmt.Errorf("external service disabled: no credential")

// Genius looks up song lyrics through the Genius search API and the song's
// public page. The API locates the song; the lyrics themselves are only
// available on the page.
type Genius struct {
	api   *resty.Client
	pages *resty.Client
	token string
}

// NewGenius creates the lyrics service. An empty token disables it.
func NewGenius(token string) *Genius {
	return &Genius{
		api: resty.New().
			SetBaseURL("https://api.genius.com").
			SetTimeout(10 * time.Second),
		pages: resty.New().
			SetTimeout(15 * time.Second),
		token: token,
	}
}

// Enabled reports whether a credential is configured.
func (g *Genius) Enabled() bool { return g.token != "" }

// Lyrics searches for artist/title and returns the song's lyric lines,
// chunked where the page breaks them (verses, choruses).
func (g *Genius) Lyrics(ctx context.Context, artist, title string) ([]string, error) {
	if !g.Enabled() {
		return nil, ErrServiceDisabled
	}

	songURL, err := g.search(ctx, artist, title)
	if err != nil {
		return nil, err
	}

	res, err := g.pages.R().SetContext(ctx).Get(songURL)
	if err != nil {
		return nil, fmt.Errorf("fetch lyrics page: %w", err)
	}
	if res.IsError() {
		return nil, fmt.Errorf("fetch lyrics page: %s", res.Status())
	}

	lines, err := extractLyrics(res.String())
	if err != nil {
		return nil, err
	}
	return lines, nil
}

type geniusSearchResponse struct {
	Response struct {
		Hits []struct {
			Result struct {
				URL           string `json:"url"`
				PrimaryArtist struct {
					Name string `json:"name"`
				} `json:"primary_artist"`
			} `json:"result"`
		} `json:"hits"`
	} `json:"response"`
}

func (g *Genius) search(ctx context.Context, artist, title string) (string, error) {
	var body geniusSearchResponse
	res, err := g.api.R().
		SetContext(ctx).
		SetAuthToken(g.token).
		SetQueryParam("q", strings.TrimSpace(artist+" "+title)).
		SetResult(&body).
		Get("/search")
	if err != nil {
		return "", fmt.Errorf("genius search: %w", err)
	}
	if res.IsError() {
		return "", fmt.Errorf("genius search: %s", res.Status())
	}

	for _, hit := range body.Response.Hits {
		if artist == "" || strings.EqualFold(hit.Result.PrimaryArtist.Name, artist) {
			return hit.Result.URL, nil
		}
	}
	if len(body.Response.Hits) > 0 {
		return body.Response.Hits[0].Result.URL, nil
	}
	return "", fmt.Errorf("no genius match for %q / %q", artist, title)
}

// extractLyrics pulls the text out of the page's lyrics containers
// (div elements carrying a data-lyrics-container attribute). Line breaks in
// the markup become line entries; blank lines separate chunks.
func extractLyrics(page string) ([]string, error) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse lyrics page: %w", err)
	}

	var lines []string
	var walk func(*html.Node, bool)
	walk = func(n *html.Node, inside bool) {
		if n.Type == html.ElementNode {
			if n.Data == "div" && hasAttr(n, "data-lyrics-container") {
				inside = true
			}
			if inside && n.Data == "br" {
				lines = append(lines, "")
			}
		}
		if inside && n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				if len(lines) > 0 && lines[len(lines)-1] == "" {
					lines[len(lines)-1] = text
				} else {
					lines = append(lines, text)
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child, inside)
		}
	}
	walk(doc, false)

	if len(lines) == 0 {
		return nil, fmt.Errorf("no lyrics found on page")
	}
	return lines, nil
}

func hasAttr(n *html.Node, name string) bool {
	for _, attr := range n.Attr {
		if attr.Key == name {
			return true
		}
	}
	return false
}
