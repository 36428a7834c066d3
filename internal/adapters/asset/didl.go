package asset

import (
	"encoding/xml"
	"fmt"

	"github.com/vibinhq/vibin/internal/device"
)

// didlLite is the DIDL-Lite document embedded (XML-escaped) in a Browse
// response's Result element.
type didlLite struct {
	XMLName    xml.Name        `xml:"DIDL-Lite"`
	Containers []didlContainer `xml:"container"`
	Items      []didlItem      `xml:"item"`
}

type didlContainer struct {
	ID          string `xml:"id,attr"`
	ParentID    string `xml:"parentID,attr"`
	ChildCount  int    `xml:"childCount,attr"`
	Title       string `xml:"title"`
	Class       string `xml:"class"`
	Artist      string `xml:"artist"`
	Creator     string `xml:"creator"`
	AlbumArtURI string `xml:"albumArtURI"`
}

type didlItem struct {
	ID          string    `xml:"id,attr"`
	ParentID    string    `xml:"parentID,attr"`
	Title       string    `xml:"title"`
	Class       string    `xml:"class"`
	Artist      string    `xml:"artist"`
	Creator     string    `xml:"creator"`
	Album       string    `xml:"album"`
	TrackNumber int       `xml:"originalTrackNumber"`
	AlbumArtURI string    `xml:"albumArtURI"`
	Resources   []didlRes `xml:"res"`
}

type didlRes struct {
	Duration string `xml:"duration,attr"`
	URI      string `xml:",chardata"`
}

// parseDIDL converts a DIDL-Lite document into media items, containers first.
func parseDIDL(doc string) ([]device.MediaItem, error) {
	var didl didlLite
	if err := xml.Unmarshal([]byte(doc), &didl); err != nil {
		return nil, fmt.Errorf("%w: %v", device.ErrMalformedEvent, err)
	}

	items := make([]device.MediaItem, 0, len(didl.Containers)+len(didl.Items))

	for _, c := range didl.Containers {
		items = append(items, device.MediaItem{
			ID:         c.ID,
			ParentID:   c.ParentID,
			Title:      c.Title,
			Class:      c.Class,
			Artist:     firstOf(c.Artist, c.Creator),
			ArtURL:     c.AlbumArtURI,
			ChildCount: c.ChildCount,
			Container:  true,
		})
	}

	for _, i := range didl.Items {
		item := device.MediaItem{
			ID:       i.ID,
			ParentID: i.ParentID,
			Title:    i.Title,
			Class:    i.Class,
			Artist:   firstOf(i.Artist, i.Creator),
			Album:    i.Album,
			TrackNum: i.TrackNumber,
			ArtURL:   i.AlbumArtURI,
		}
		if len(i.Resources) > 0 {
			item.URI = i.Resources[0].URI
			item.Duration = i.Resources[0].Duration
		}
		items = append(items, item)
	}

	return items, nil
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
